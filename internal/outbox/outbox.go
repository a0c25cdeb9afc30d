// Package outbox - очередь побочных эффектов (уведомления, отметки о прочтении),
// отделенная от основной операции. Постановка в очередь никогда не блокирует
// вызывающего, доставка повторяется с экспоненциальной задержкой.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// Config - параметры очереди.
type Config struct {
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	// RatePerSecond ограничивает частоту доставки; 0 - без ограничения.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		MaxAttempts:   5,
		Backoff:       200 * time.Millisecond,
		RatePerSecond: 50,
	}
}

// Stats - счетчики для наблюдения за доставкой.
type Stats struct {
	Enqueued  int
	Delivered int
	Retried   int
	Failed    int
	Dropped   int
}

type job struct {
	id       string
	kind     string
	attempts int
	run      func(context.Context) error
}

// Outbox - очередь с одним обработчиком.
type Outbox struct {
	cfg     Config
	queue   chan *job
	limiter *rate.Limiter
	log     *slog.Logger

	mu     sync.Mutex
	stats  Stats
	timers map[string]*time.Timer
	closed bool
}

// New создает очередь. Обработка начинается после вызова Run.
func New(cfg Config, logger *slog.Logger) *Outbox {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		cfg:     cfg,
		queue:   make(chan *job, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		log:     logger,
		timers:  make(map[string]*time.Timer),
	}
}

// Enqueue ставит задачу в очередь и возвращает ее идентификатор.
// Если очередь переполнена, задача отбрасывается и ok == false.
// Nil-очередь отбрасывает все задачи.
func (o *Outbox) Enqueue(kind string, run func(context.Context) error) (id string, ok bool) {
	j := &job{id: ulid.Make().String(), kind: kind, run: run}
	if o == nil {
		return j.id, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.offerLocked(j) {
		o.stats.Dropped++
		o.log.Warn("outbox job dropped", "job", j.id, "kind", kind)
		return j.id, false
	}
	o.stats.Enqueued++
	return j.id, true
}

func (o *Outbox) offerLocked(j *job) bool {
	select {
	case o.queue <- j:
		return true
	default:
		return false
	}
}

// Run обрабатывает задачи до отмены ctx.
func (o *Outbox) Run(ctx context.Context) {
	defer o.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			if err := o.limiter.Wait(ctx); err != nil {
				return
			}
			o.deliver(ctx, j)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, j *job) {
	j.attempts++
	err := j.run(ctx)
	if err == nil {
		o.mu.Lock()
		o.stats.Delivered++
		o.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	permanent := errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAuthRequired)
	if permanent || j.attempts >= o.cfg.MaxAttempts {
		o.mu.Lock()
		o.stats.Failed++
		o.mu.Unlock()
		o.log.Warn("outbox job failed", "job", j.id, "kind", j.kind, "attempts", j.attempts, "error", err)
		return
	}

	delay := o.cfg.Backoff << (j.attempts - 1)
	o.log.Debug("outbox job will be retried", "job", j.id, "kind", j.kind, "attempts", j.attempts, "delay", delay, "error", err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.stats.Retried++
	o.timers[j.id] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.timers, j.id)
		if o.closed || !o.offerLocked(j) {
			o.stats.Dropped++
		}
	})
}

func (o *Outbox) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// Stats возвращает копию счетчиков.
func (o *Outbox) Stats() Stats {
	if o == nil {
		return Stats{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Pending - число задач, ожидающих обработки или повтора.
func (o *Outbox) Pending() int {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) + len(o.timers)
}
