// Команда demo прогоняет оба контроллера внутри процесса: пост, лайк,
// комментарий, уведомления и откат лайка при недоступном хранилище.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/UkralStul/community-sync/internal/auth"
	"github.com/UkralStul/community-sync/internal/community"
	"github.com/UkralStul/community-sync/internal/config"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/notification"
	"github.com/UkralStul/community-sync/internal/outbox"
	"github.com/UkralStul/community-sync/internal/state"
	"github.com/UkralStul/community-sync/internal/storage/inmemory"
)

var (
	mina = domain.Actor{ID: "user-1", DisplayName: "Mina"}
	jun  = domain.Actor{ID: "user-2", DisplayName: "Jun"}
)

// flakyStore умеет притворяться недоступным для лайков.
type flakyStore struct {
	*inmemory.Store
	offline atomic.Bool
}

func (s *flakyStore) ToggleLike(ctx context.Context, postID, userID string, liked bool) error {
	if s.offline.Load() {
		return fmt.Errorf("toggle like: %w", domain.ErrTransientIO)
	}
	return s.Store.ToggleLike(ctx, postID, userID, liked)
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store := &flakyStore{Store: inmemory.New(nil, logger)}
	events := outbox.New(cfg.Outbox, logger)
	go events.Run(ctx)

	session := auth.NewSession()
	feed := community.New(store, session, events, logger)
	defer feed.Close()
	inbox := notification.New(store, events, logger)
	defer inbox.Cancel()

	trace(ctx, logger, "ui", feed.UiState(), func(s community.UiState) []any {
		return []any{"phase", s.Phase, "posts", len(s.Posts), "message", s.Message}
	})
	trace(ctx, logger, "selected", feed.SelectedPost(), func(s community.SelectedPost) []any {
		if s.Post == nil {
			return []any{"state", s.State, "post", nil}
		}
		return []any{"state", s.State, "likes", s.Post.Likes, "likers", []string(s.Post.UserLikes)}
	})
	trace(ctx, logger, "unread", inbox.UnreadCount(), func(n int) []any {
		return []any{"count", n}
	})

	// Мина публикует пост и следит за уведомлениями
	session.SignIn(mina)
	if err := inbox.Observe(ctx, mina.ID); err != nil {
		return err
	}
	if err := feed.SubmitPost(ctx, "Три дня на Чеджу", "Маршрут вдоль побережья."); err != nil {
		return err
	}
	post := feed.UiState().Get().Posts[0]

	// Джун открывает пост, лайкает и комментирует
	session.SignIn(jun)
	if err := feed.ObservePost(ctx, post.ID); err != nil {
		return err
	}
	current := waitSelected(feed, func(s community.SelectedPost) bool { return s.Post != nil })
	if err := feed.ToggleLike(ctx, current.Post, jun.ID); err != nil {
		return err
	}
	current = waitSelected(feed, func(s community.SelectedPost) bool {
		return s.State == community.Clean && s.Post != nil && s.Post.LikedBy(jun.ID)
	})
	if err := feed.SubmitComment(ctx, post.ID, "Отличный маршрут!"); err != nil {
		return err
	}

	// Хранилище пропадает: лайк откатывается к снимку
	store.offline.Store(true)
	if err := feed.ToggleLike(ctx, current.Post, jun.ID); err != nil {
		logger.Info("like rolled back", "error", err, "ui", feed.UiState().Get().Message)
	}
	store.offline.Store(false)

	// Мина читает уведомления
	waitUnread(inbox, 2)
	for _, n := range inbox.Notifications().Get() {
		logger.Info("notification", "type", n.Kind, "message", n.Message)
		inbox.MarkRead(n.ID)
	}
	waitUnread(inbox, 0)

	stats := events.Stats()
	logger.Info("outbox", "enqueued", stats.Enqueued, "delivered", stats.Delivered, "failed", stats.Failed)
	return nil
}

// trace пишет в лог каждое новое значение контейнера.
func trace[T any](ctx context.Context, logger *slog.Logger, name string, r state.Reader[T], attrs func(T) []any) {
	ch := r.Watch(ctx)
	go func() {
		for v := range ch {
			logger.Info(name, attrs(v)...)
		}
	}()
}

func waitSelected(feed *community.Controller, ok func(community.SelectedPost) bool) community.SelectedPost {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := feed.SelectedPost().Get()
		if ok(s) || time.Now().After(deadline) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitUnread(inbox *notification.Controller, want int) {
	deadline := time.Now().Add(2 * time.Second)
	for inbox.UnreadCount().Get() != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}
