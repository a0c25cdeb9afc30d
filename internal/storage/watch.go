package storage

import (
	"context"

	"github.com/UkralStul/community-sync/internal/broker"
)

// Watch строит живой запрос: подписывается на тему, выполняет query и
// повторяет его после каждого сигнала. Подписка оформляется до первого
// запроса, чтобы изменение между ними не потерялось.
func Watch[T any](ctx context.Context, b broker.Broker, topic string, query func(context.Context) (T, error)) (<-chan Update[T], error) {
	signals, err := b.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Update[T], 1)
	go func() {
		defer close(out)

		send := func(u Update[T]) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func() bool {
			v, err := query(ctx)
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				send(Update[T]{Err: err})
				return false
			}
			return send(Update[T]{Value: v})
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}
