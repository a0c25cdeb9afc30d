package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisConfig - параметры подключения к Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Redis рассылает сигналы через Redis pub/sub, чтобы несколько экземпляров
// сервера видели изменения друг друга.
type Redis struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, prefix: cfg.Prefix, log: logger}, nil
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic string) error {
	return r.client.Publish(ctx, r.channel(topic), "changed").Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ps := r.client.Subscribe(ctx, r.channel(topic))
	// Receive дожидается подтверждения подписки, иначе первый Publish может потеряться
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					r.log.Warn("redis subscription closed", "topic", topic)
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
