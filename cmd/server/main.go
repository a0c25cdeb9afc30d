package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UkralStul/community-sync/internal/auth"
	"github.com/UkralStul/community-sync/internal/broker"
	"github.com/UkralStul/community-sync/internal/config"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/httpapi"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/UkralStul/community-sync/internal/storage/inmemory"
	"github.com/UkralStul/community-sync/internal/storage/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	storageType := flag.String("storage", "", "Storage type (in-memory or postgres)")
	brokerType := flag.String("broker", "", "Change broker (memory or redis)")
	port := flag.String("port", "", "HTTP port")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// Флаги важнее всего остального
	if *storageType != "" {
		cfg.Storage = *storageType
	}
	if *brokerType != "" {
		cfg.Broker = *brokerType
	}
	if *port != "" {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	logger.Info("starting server", "storage", cfg.Storage, "broker", cfg.Broker)
	var store storage.Storage
	if cfg.Storage == config.StoragePostgres {
		store, err = postgres.New(cfg.DatabaseURL, b, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
	} else {
		store = inmemory.New(b, logger)
	}
	if cfg.Seed {
		// Заполним данными для тестов
		if err := fillWithMockData(ctx, store, logger); err != nil {
			return err
		}
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET is not set, tokens will not survive a restart")
	}
	tokens := auth.NewTokens([]byte(secret), cfg.TokenTTL)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	httpapi.New(store, tokens, logger).Routes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", "http://localhost:"+cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.Broker == config.BrokerRedis {
		return broker.NewRedis(ctx, cfg.Redis, logger)
	}
	return broker.NewMemory(), nil
}

func fillWithMockData(ctx context.Context, s storage.Storage, logger *slog.Logger) error {
	// 1. Пост с лайками и комментариями
	post, err := s.CreatePost(ctx, &domain.Post{
		UserID:  "user-1",
		Author:  "Mina",
		Title:   "Три дня на Чеджу",
		Content: "Маршрут вдоль побережья, рынки и водопады.",
	})
	if err != nil {
		return fmt.Errorf("fillWithMockData: failed to create post: %w", err)
	}
	for _, user := range []string{"user-2", "user-3"} {
		if err := s.ToggleLike(ctx, post.ID, user, true); err != nil {
			return fmt.Errorf("fillWithMockData: failed to like post: %w", err)
		}
	}

	// 2. Комментарии в порядке создания
	comments := []domain.Comment{
		{PostID: post.ID, UserID: "user-2", Author: "Jun", Content: "Отличный маршрут!"},
		{PostID: post.ID, UserID: "user-1", Author: "Mina", Content: "Спасибо! Рада, что пригодилось."},
	}
	for i := range comments {
		if _, err := s.CreateComment(ctx, &comments[i]); err != nil {
			return fmt.Errorf("fillWithMockData: failed to create comment %d: %w", i+1, err)
		}
	}

	// 3. Уведомление автору о комментарии
	if _, err := s.CreateNotification(ctx, &domain.Notification{
		UserID:  "user-1",
		PostID:  &post.ID,
		Kind:    domain.KindComment,
		Title:   "New comment",
		Message: "Jun: Отличный маршрут!",
	}); err != nil {
		return fmt.Errorf("fillWithMockData: failed to create notification: %w", err)
	}

	// 4. Второй пост без реакций
	quiet, err := s.CreatePost(ctx, &domain.Post{
		UserID:  "user-3",
		Author:  "Seo",
		Title:   "Пусан зимой",
		Content: "Стоит ли ехать в январе?",
	})
	if err != nil {
		return fmt.Errorf("fillWithMockData: failed to create second post: %w", err)
	}

	logger.Info("mock data filled", "post", post.ID, "quiet_post", quiet.ID)
	return nil
}
