package storage

import (
	"context"

	"github.com/UkralStul/community-sync/internal/domain"
)

// Update - один элемент живого запроса: либо значение, либо ошибка.
// После ошибки канал закрывается.
type Update[T any] struct {
	Value T
	Err   error
}

// PostStore - посты и лайки.
type PostStore interface {
	ListPosts(ctx context.Context) ([]*domain.Post, error)
	GetPostByID(ctx context.Context, id string) (*domain.Post, error)
	CreatePost(ctx context.Context, post *domain.Post) (*domain.Post, error)
	// DeletePost удаляет пост вместе со всеми его комментариями.
	DeletePost(ctx context.Context, id string) error
	// StreamPost отдает актуальный пост при каждом изменении. Удаление поста
	// доставляется как ошибка ErrNotFound, после чего канал закрывается.
	StreamPost(ctx context.Context, id string) (<-chan Update[*domain.Post], error)
	// ToggleLike атомарно меняет множество лайкнувших и счетчик.
	ToggleLike(ctx context.Context, postID, userID string, liked bool) error
	RenameAuthor(ctx context.Context, userID, author string) error
}

// CommentStore - комментарии к постам.
type CommentStore interface {
	ListComments(ctx context.Context, postID string) ([]*domain.Comment, error)
	GetComment(ctx context.Context, id string) (*domain.Comment, error)
	CreateComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, error)
	DeleteComment(ctx context.Context, id string) error

	// Метод для Dataloader'а
	CountCommentsByPostIDs(ctx context.Context, postIDs []string) (map[string]int, error)
}

// NotificationStore - уведомления пользователей.
type NotificationStore interface {
	// CreateNotification сохраняет уведомление. Непустой ID делает вызов
	// идемпотентным: запись с таким ID создается не больше одного раза.
	CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	StreamNotifications(ctx context.Context, userID string) (<-chan Update[[]*domain.Notification], error)
	StreamUnreadCount(ctx context.Context, userID string) (<-chan Update[int], error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Storage определяет контракт для хранилищ.
type Storage interface {
	PostStore
	CommentStore
	NotificationStore
}

// PostTopic - тема брокера для изменений одного поста.
func PostTopic(postID string) string {
	return "post:" + postID
}

// NotificationsTopic - тема брокера для уведомлений пользователя.
func NotificationsTopic(userID string) string {
	return "notifications:" + userID
}
