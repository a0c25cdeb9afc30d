// Package state - наблюдаемые контейнеры состояния контроллеров.
package state

import (
	"context"
	"sync"
)

// Reader - доступ к контейнеру только на чтение.
type Reader[T any] interface {
	Get() T
	// Watch сразу отдает текущее значение, затем каждое новое. Промежуточные
	// значения могут схлопываться, последнее доставляется всегда. Канал
	// закрывается после отмены ctx.
	Watch(ctx context.Context) <-chan T
}

// Value хранит одно значение и рассылает его изменения наблюдателям.
// Все записи сериализуются мьютексом.
type Value[T any] struct {
	mu       sync.RWMutex
	v        T
	watchers map[int]chan T
	nextID   int
}

// NewValue - конструктор контейнера с начальным значением.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, watchers: make(map[int]chan T)}
}

func (s *Value[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Set заменяет значение целиком.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(v)
}

// Update атомарно применяет fn к текущему значению и возвращает результат.
func (s *Value[T]) Update(fn func(T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := fn(s.v)
	s.setLocked(v)
	return v
}

func (s *Value[T]) setLocked(v T) {
	s.v = v
	for _, ch := range s.watchers {
		offer(ch, v)
	}
}

// offer кладет v в канал с буфером 1, вытесняя несчитанное значение.
// Вызывается только под мьютексом, поэтому отправитель единственный.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (s *Value[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.v
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
