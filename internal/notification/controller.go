// Package notification держит живой список уведомлений одного пользователя
// и счетчик непрочитанных.
package notification

import (
	"context"
	"log/slog"
	"sync"

	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/outbox"
	"github.com/UkralStul/community-sync/internal/state"
	"github.com/UkralStul/community-sync/internal/storage"
)

// Store - то, что контроллеру нужно от хранилища.
type Store interface {
	StreamNotifications(ctx context.Context, userID string) (<-chan storage.Update[[]*domain.Notification], error)
	StreamUnreadCount(ctx context.Context, userID string) (<-chan storage.Update[int], error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Controller владеет двумя независимыми подписками на одного пользователя.
//
// Повторный Observe для того же пользователя при активной подписке ничего
// не делает. Смена пользователя отменяет старую пару подписок и очищает
// состояние, прежде чем открыть новую.
type Controller struct {
	store  Store
	events *outbox.Outbox
	log    *slog.Logger

	notifications *state.Value[[]*domain.Notification]
	unread        *state.Value[int]

	mu     sync.Mutex
	gen    uint64
	userID string
	live   int // сколько из двух подписок еще открыто
	cancel context.CancelFunc
}

// New - конструктор контроллера. Без очереди (events == nil) MarkRead
// ничего не отправляет.
func New(store Store, events *outbox.Outbox, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:         store,
		events:        events,
		log:           logger.With("component", "notification"),
		notifications: state.NewValue[[]*domain.Notification](nil),
		unread:        state.NewValue(0),
	}
}

// Notifications - список уведомлений, новые сверху.
func (c *Controller) Notifications() state.Reader[[]*domain.Notification] {
	return c.notifications
}

// UnreadCount - число непрочитанных уведомлений.
func (c *Controller) UnreadCount() state.Reader[int] {
	return c.unread
}

// Observe подписывает контроллер на уведомления userID. Подписки живут,
// пока не отменен ctx или не вызван Cancel.
func (c *Controller) Observe(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.cancel != nil && c.userID == userID && c.live == 2 {
		c.mu.Unlock()
		return nil
	}
	c.cancelLocked()
	if c.userID != userID {
		c.notifications.Set(nil)
		c.unread.Set(0)
	}
	c.userID = userID
	gen := c.gen
	c.mu.Unlock()

	// Подписки открываются без мьютекса: с Redis это поход в сеть
	subCtx, cancel := context.WithCancel(ctx)
	list, err := c.store.StreamNotifications(subCtx, userID)
	if err != nil {
		cancel()
		c.log.Error("failed to subscribe to notifications", "user", userID, "error", err)
		return err
	}
	count, err := c.store.StreamUnreadCount(subCtx, userID)
	if err != nil {
		cancel()
		c.log.Error("failed to subscribe to unread count", "user", userID, "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		cancel()
		return nil
	}
	c.cancel = cancel
	c.live = 2
	go consume(c, gen, userID, list, c.notifications)
	go consume(c, gen, userID, count, c.unread)
	return nil
}

// consume переносит обновления потока в контейнер. Запись делается под
// мьютексом контроллера и только пока подписка текущая, поэтому после
// смены пользователя старые данные уже не появятся.
func consume[T any](c *Controller, gen uint64, userID string, updates <-chan storage.Update[T], dst *state.Value[T]) {
	for u := range updates {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if u.Err != nil {
			c.live--
			c.mu.Unlock()
			c.log.Warn("notification subscription closed", "user", userID, "error", u.Err)
			return
		}
		dst.Set(u.Value)
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.live--
	}
	c.mu.Unlock()
}

// Cancel закрывает обе подписки, сохраняя уже полученное состояние.
// Безопасен при повторном вызове и до первого Observe.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Controller) cancelLocked() {
	c.gen++
	c.live = 0
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// MarkRead ставит в очередь отметку о прочтении. Вызывающий не ждет
// результата; очередь повторяет попытки, пока хранилище не подтвердит.
// Изменение придет через живые подписки.
func (c *Controller) MarkRead(notificationID string) {
	_, ok := c.events.Enqueue("mark-read", func(ctx context.Context) error {
		return c.store.MarkNotificationRead(ctx, notificationID)
	})
	if !ok {
		c.log.Warn("mark-read dropped", "notification", notificationID)
	}
}
