// Package auth отвечает на вопрос "кто сейчас действует" и выпускает токены.
package auth

import (
	"context"
	"sync"

	"github.com/UkralStul/community-sync/internal/domain"
)

// ActorSource передается в контроллеры при создании вместо глобального
// обращения к текущему пользователю.
type ActorSource interface {
	CurrentActor() (domain.Actor, bool)
}

// Session - изменяемый источник пользователя для одного клиента.
type Session struct {
	mu    sync.RWMutex
	actor *domain.Actor
}

// NewSession создает сессию без пользователя.
func NewSession() *Session {
	return &Session{}
}

func (s *Session) SignIn(actor domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actor = &actor
}

func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actor = nil
}

func (s *Session) CurrentActor() (domain.Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actor == nil {
		return domain.Actor{}, false
	}
	return *s.actor, true
}

type contextKey string

const actorKey = contextKey("actor")

// WithActor кладет пользователя в контекст запроса.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// FromContext извлекает пользователя из контекста.
func FromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}
