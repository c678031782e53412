package storage

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ButyrinIA/feedsync/internal/models"
)

// DefaultBuffer - емкость канала одной подписки.
const DefaultBuffer = 64

// Broker раздает события ленты изменений подписчикам.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		logger: logger.With("component", "broker"),
	}
}

type subscription struct {
	broker *Broker
	table  models.Table
	ops    []models.Operation
	filter *models.EventFilter
	ch     chan models.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		close(s.done)
		s.broker.mu.Unlock()
	})
	return nil
}

func (s *subscription) matches(ev models.ChangeEvent) bool {
	if ev.Table != s.table {
		return false
	}
	if len(s.ops) > 0 && !slices.Contains(s.ops, ev.Operation) {
		return false
	}
	return s.filter.Matches(ev.Payload())
}

// Subscribe регистрирует подписку. Отмена ctx равносильна Unsubscribe.
func (b *Broker) Subscribe(ctx context.Context, table models.Table, ops []models.Operation, filter *models.EventFilter) (Subscription, error) {
	sub := &subscription{
		broker: b,
		table:  table,
		ops:    ops,
		filter: filter,
		ch:     make(chan models.ChangeEvent, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Очистка подписки после завершения контекста
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish доставляет событие всем подходящим подписчикам, не блокируясь.
func (b *Broker) Publish(ev models.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("подписчик не успевает, событие отброшено",
				slog.String("table", string(ev.Table)),
				slog.String("operation", string(ev.Operation)))
		}
	}
}

// Close закрывает все подписки.
func (b *Broker) Close() {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
