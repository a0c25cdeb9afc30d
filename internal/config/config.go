// Package config собирает настройки сервера: значения по умолчанию, затем
// YAML-файл, затем .env и переменные окружения. Флаги накладываются в main.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/UkralStul/community-sync/internal/broker"
	"github.com/UkralStul/community-sync/internal/outbox"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageInMemory = "in-memory"
	StoragePostgres = "postgres"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config - настройки сервера.
type Config struct {
	Port        string             `yaml:"port"`
	Storage     string             `yaml:"storage"`
	DatabaseURL string             `yaml:"database_url"`
	Broker      string             `yaml:"broker"`
	Redis       broker.RedisConfig `yaml:"redis"`
	JWTSecret   string             `yaml:"jwt_secret"`
	TokenTTL    time.Duration      `yaml:"token_ttl"`
	Seed        bool               `yaml:"seed"`
	Log         LogConfig          `yaml:"log"`
	Outbox      outbox.Config      `yaml:"outbox"`
}

// LogConfig - уровень и формат логов.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default возвращает настройки для локального запуска.
func Default() Config {
	return Config{
		Port:     "8080",
		Storage:  StorageInMemory,
		Broker:   BrokerMemory,
		Redis:    broker.RedisConfig{Addr: "localhost:6379", Prefix: "community-sync:"},
		TokenTTL: 24 * time.Hour,
		Seed:     true,
		Log:      LogConfig{Level: "info", Format: "text"},
		Outbox:   outbox.DefaultConfig(),
	}
}

// Load читает path (может быть пустым) и envFile (может отсутствовать).
// Переменные окружения важнее файлов: godotenv не перезаписывает уже
// заданные переменные. Validate вызывается после наложения флагов.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"PORT":           &cfg.Port,
		"STORAGE":        &cfg.Storage,
		"DATABASE_URL":   &cfg.DatabaseURL,
		"BROKER":         &cfg.Broker,
		"REDIS_ADDR":     &cfg.Redis.Addr,
		"REDIS_PASSWORD": &cfg.Redis.Password,
		"JWT_SECRET":     &cfg.JWTSecret,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("SEED"); ok {
		seed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SEED: %w", err)
		}
		cfg.Seed = seed
	}
	if v, ok := os.LookupEnv("TOKEN_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = ttl
	}
	return nil
}

// Validate проверяет сочетания настроек.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageInMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage %q (want %s or %s)", c.Storage, StorageInMemory, StoragePostgres)
	}

	switch c.Broker {
	case BrokerMemory:
	case BrokerRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR must be set for redis broker")
		}
	default:
		return fmt.Errorf("unknown broker %q (want %s or %s)", c.Broker, BrokerMemory, BrokerRedis)
	}

	if c.Port == "" {
		return errors.New("port is empty")
	}
	return nil
}

// NewLogger строит slog.Logger по настройкам.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
