// Package community управляет лентой сообщества: список постов, комментарии
// и лайки с оптимистичным обновлением и откатом.
package community

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UkralStul/community-sync/internal/auth"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/outbox"
	"github.com/UkralStul/community-sync/internal/state"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/google/uuid"
)

// Сообщения для UI.
const (
	msgLoadPostsFailed    = "failed to load posts"
	msgSubmitPostFailed   = "failed to create post"
	msgDeletePostFailed   = "failed to delete post"
	msgLoadCommentsFailed = "failed to load comments"
	msgCommentFailed      = "failed to post comment"
	msgLikeFailed         = "failed to update like"
)

// Store - то, что контроллеру нужно от хранилища.
type Store interface {
	storage.PostStore
	storage.CommentStore
	CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
}

// Controller - состояние экрана сообщества.
type Controller struct {
	store  Store
	actors auth.ActorSource
	events *outbox.Outbox
	log    *slog.Logger

	ui       *state.Value[UiState]
	selected *state.Value[SelectedPost]
	comments *state.Value[[]*domain.Comment]

	tokens atomic.Uint64

	mu         sync.Mutex
	postGen    uint64
	cancelPost context.CancelFunc
}

// New - конструктор контроллера. Пользователь берется из actors при каждой
// изменяющей операции. При events == nil уведомления не отправляются.
func New(store Store, actors auth.ActorSource, events *outbox.Outbox, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    store,
		actors:   actors,
		events:   events,
		log:      logger.With("component", "community"),
		ui:       state.NewValue(Loading()),
		selected: state.NewValue(SelectedPost{}),
		comments: state.NewValue[[]*domain.Comment](nil),
	}
}

func (c *Controller) UiState() state.Reader[UiState] { return c.ui }
func (c *Controller) SelectedPost() state.Reader[SelectedPost] { return c.selected }
func (c *Controller) Comments() state.Reader[[]*domain.Comment] { return c.comments }

// describe превращает ошибку в текст для UI.
func describe(err error, fallback string) string {
	switch domain.Kind(err) {
	case domain.KindAuthRequired:
		return domain.ErrAuthRequired.Error()
	case domain.KindNotFound:
		return fallback + ": not found"
	case domain.KindTransientIO:
		return fallback + ": network unavailable"
	default:
		return fmt.Sprintf("%s: %v", fallback, err)
	}
}

func (c *Controller) fail(err error, fallback string) error {
	c.ui.Set(Failure(describe(err, fallback)))
	return err
}

// === Posts ===

// LoadPosts заново загружает весь список постов, новые сверху.
func (c *Controller) LoadPosts(ctx context.Context) error {
	c.ui.Set(Loading())
	posts, err := c.store.ListPosts(ctx)
	if err != nil {
		c.log.Warn("failed to load posts", "error", err)
		return c.fail(err, msgLoadPostsFailed)
	}
	c.ui.Set(Success(posts))
	return nil
}

// SubmitPost создает пост от имени текущего пользователя. Проверка на пустые
// поля - забота вызывающего.
func (c *Controller) SubmitPost(ctx context.Context, title, content string) error {
	actor, ok := c.actors.CurrentActor()
	if !ok {
		return c.fail(domain.ErrAuthRequired, msgSubmitPostFailed)
	}

	_, err := c.store.CreatePost(ctx, &domain.Post{
		UserID:  actor.ID,
		Author:  actor.Name(),
		Title:   title,
		Content: content,
	})
	if err != nil {
		c.log.Warn("failed to create post", "user", actor.ID, "error", err)
		return c.fail(err, msgSubmitPostFailed)
	}
	return c.LoadPosts(ctx)
}

// DeletePost удаляет пост; комментарии удаляет хранилище. Право на удаление
// здесь не проверяется.
func (c *Controller) DeletePost(ctx context.Context, postID string) error {
	if err := c.store.DeletePost(ctx, postID); err != nil {
		c.log.Warn("failed to delete post", "post", postID, "error", err)
		return c.fail(err, msgDeletePostFailed)
	}
	return c.LoadPosts(ctx)
}

// === Comments ===

// LoadComments заменяет список комментариев, старые сверху.
func (c *Controller) LoadComments(ctx context.Context, postID string) error {
	comments, err := c.store.ListComments(ctx, postID)
	if err != nil {
		c.log.Warn("failed to load comments", "post", postID, "error", err)
		c.ui.Set(Failure(msgLoadCommentsFailed))
		return err
	}
	c.comments.Set(comments)
	return nil
}

// SubmitComment: пост → комментарий → уведомление автору поста через
// очередь → перезагрузка списка. Сбой уведомления или перезагрузки
// комментарий не откатывает.
func (c *Controller) SubmitComment(ctx context.Context, postID, content string) error {
	actor, ok := c.actors.CurrentActor()
	if !ok {
		return c.fail(domain.ErrAuthRequired, msgCommentFailed)
	}

	post, err := c.store.GetPostByID(ctx, postID)
	if err != nil {
		c.log.Warn("failed to fetch post for comment", "post", postID, "error", err)
		return c.fail(err, msgCommentFailed)
	}

	_, err = c.store.CreateComment(ctx, &domain.Comment{
		PostID:  postID,
		UserID:  actor.ID,
		Author:  actor.Name(),
		Content: content,
	})
	if err != nil {
		c.log.Warn("failed to create comment", "post", postID, "error", err)
		return c.fail(err, msgCommentFailed)
	}

	if post.UserID != actor.ID {
		c.notify(&domain.Notification{
			UserID:  post.UserID,
			PostID:  &post.ID,
			Kind:    domain.KindComment,
			Title:   "New comment",
			Message: fmt.Sprintf("%s: %s", actor.Name(), content),
		})
	}
	return c.LoadComments(ctx, postID)
}

// DeleteComment удаляет комментарий и всегда перечитывает список, чтобы
// экран не разошелся с хранилищем. Ошибка удаления возвращается вызывающему.
func (c *Controller) DeleteComment(ctx context.Context, postID, commentID string) error {
	delErr := c.store.DeleteComment(ctx, commentID)
	if delErr != nil {
		c.log.Warn("failed to delete comment", "comment", commentID, "error", delErr)
	}
	if err := c.LoadComments(ctx, postID); err != nil {
		return errors.Join(delErr, err)
	}
	return delErr
}

// === Selected post ===

// ObservePost открывает живую подписку на пост, закрывая предыдущую.
// Каждая доставка целиком заменяет выбранный пост.
func (c *Controller) ObservePost(ctx context.Context, postID string) error {
	c.mu.Lock()
	c.stopPostLocked()
	gen := c.postGen
	c.mu.Unlock()

	// StreamPost может ждать брокер, мьютекс на это время не держим
	subCtx, cancel := context.WithCancel(ctx)
	updates, err := c.store.StreamPost(subCtx, postID)
	if err != nil {
		cancel()
		c.log.Warn("failed to observe post", "post", postID, "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postGen != gen {
		// Подписку уже сменили или закрыли
		cancel()
		return nil
	}
	c.cancelPost = cancel
	go c.consumePost(gen, postID, updates)
	return nil
}

func (c *Controller) consumePost(gen uint64, postID string, updates <-chan storage.Update[*domain.Post]) {
	for u := range updates {
		c.mu.Lock()
		if c.postGen != gen {
			c.mu.Unlock()
			return
		}
		switch {
		case u.Err == nil:
			c.selected.Set(SelectedPost{State: Clean, Post: u.Value})
		case errors.Is(u.Err, domain.ErrNotFound):
			c.selected.Set(SelectedPost{})
			c.log.Info("observed post is gone", "post", postID)
		default:
			c.log.Warn("post subscription closed", "post", postID, "error", u.Err)
		}
		c.mu.Unlock()
	}
}

// StopObservingPost закрывает подписку на пост. Повторный вызов безопасен.
func (c *Controller) StopObservingPost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPostLocked()
}

func (c *Controller) stopPostLocked() {
	c.postGen++
	if c.cancelPost != nil {
		c.cancelPost()
		c.cancelPost = nil
	}
}

// Close освобождает все подписки контроллера.
func (c *Controller) Close() {
	c.StopObservingPost()
}

// === Likes ===

// ToggleLike переключает лайк userID на посте post.
//
// Новое значение считается только от переданного снимка и сразу
// показывается. При ошибке хранилища выбранный пост возвращается ровно к
// post, если за это время его не заменила живая подписка: значение с
// сервера всегда важнее. При успехе ничего локально не делается, подписка
// сама доставит итог.
func (c *Controller) ToggleLike(ctx context.Context, post *domain.Post, userID string) error {
	if post == nil {
		return fmt.Errorf("toggle like: %w", domain.ErrNotFound)
	}

	next := ApplyToggle(post, userID)
	liked := next.LikedBy(userID)
	token := c.tokens.Add(1)
	c.selected.Set(SelectedPost{
		State:    PendingOptimistic,
		Post:     next,
		Snapshot: post,
		token:    token,
	})

	if err := c.store.ToggleLike(ctx, post.ID, userID, liked); err != nil {
		c.selected.Update(func(cur SelectedPost) SelectedPost {
			if cur.State == PendingOptimistic && cur.token == token {
				return SelectedPost{State: Reverting, Post: post}
			}
			return cur
		})
		c.log.Warn("failed to toggle like", "post", post.ID, "user", userID, "error", err)
		return c.fail(err, msgLikeFailed)
	}

	if liked && userID != post.UserID {
		postID := post.ID
		name := domain.AnonymousAuthor
		if actor, ok := c.actors.CurrentActor(); ok && actor.ID == userID {
			name = actor.Name()
		}
		c.notify(&domain.Notification{
			UserID:  post.UserID,
			PostID:  &postID,
			Kind:    domain.KindLike,
			Title:   "New like",
			Message: fmt.Sprintf("%s liked your post '%s'", name, post.Title),
		})
	}
	return nil
}

// notify ставит создание уведомления в очередь. Ошибки сюда не доходят.
// Id назначается заранее, поэтому повтор после сбоя не создаст дубль.
func (c *Controller) notify(n *domain.Notification) {
	n.ID = uuid.NewString()
	n.Timestamp = time.Now().UnixMilli()
	_, ok := c.events.Enqueue("notify-"+string(n.Kind), func(ctx context.Context) error {
		_, err := c.store.CreateNotification(ctx, n)
		return err
	})
	if !ok {
		c.log.Warn("notification dropped", "kind", n.Kind, "user", n.UserID)
	}
}
