package domain

import (
	"context"
	"errors"
)

var (
	// ErrAuthRequired - для изменяющей операции нет аутентифицированного пользователя.
	ErrAuthRequired = errors.New("login required")
	// ErrNotFound - пост, комментарий или уведомление исчезли.
	ErrNotFound = errors.New("not found")
	// ErrTransientIO - хранилище временно недоступно.
	ErrTransientIO = errors.New("store unavailable")
)

// ErrorKind классифицирует ошибки контроллеров и хранилищ.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthRequired
	KindNotFound
	KindTransientIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthRequired:
		return "auth_required"
	case KindNotFound:
		return "not_found"
	case KindTransientIO:
		return "transient_io"
	default:
		return "unknown"
	}
}

// Kind определяет категорию ошибки по цепочке обертки.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransientIO),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransientIO
	default:
		return KindUnknown
	}
}
