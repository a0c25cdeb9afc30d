// Package broker разносит сигналы об изменениях между хранилищем и живыми запросами.
package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Broker доставляет подписчикам сигнал "тема изменилась". Сам сигнал не несет
// данных: подписчик заново выполняет свой запрос. Поэтому сигналы можно
// схлопывать, если подписчик не успевает читать.
type Broker interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe возвращает канал, который закрывается после отмены ctx.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	Close() error
}

// Memory - брокер внутри процесса.
type Memory struct {
	mu sync.RWMutex
	//          map[topic] map[subscriberID] channel
	subs   map[string]map[string]chan struct{}
	closed bool
}

// NewMemory - конструктор брокера в памяти.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[string]chan struct{}),
	}
}

func (m *Memory) Publish(_ context.Context, topic string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// В канале уже лежит сигнал, подписчик перечитает все разом
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	subID := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[string]chan struct{})
	}
	m.subs[topic][subID] = ch
	m.mu.Unlock()

	// Горутина для очистки при отмене подписки
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if topicSubs, ok := m.subs[topic]; ok {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				close(ch)
			}
			if len(topicSubs) == 0 {
				delete(m.subs, topic)
			}
		}
	}()

	return ch, nil
}

// Close закрывает все подписки.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, topicSubs := range m.subs {
		for _, ch := range topicSubs {
			close(ch)
		}
		delete(m.subs, topic)
	}
	m.closed = true
	return nil
}

// subscribers нужен тестам.
func (m *Memory) subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}
