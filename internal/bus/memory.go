package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// MemoryBus is an in-process Publisher/Subscriber, used in tests for
// the Driver Agent, Reservation Manager, and Coordinator without a
// real broker. Topic filters use doublestar glob syntax ("*", "**"),
// not MQTT's "+"/"#" — callers sharing filters between MemoryBus and
// MQTTBus in the same test must write two filter strings.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]memorySub
	next int
}

type memorySub struct {
	filter  string
	handler Handler
}

var _ Publisher = (*MemoryBus)(nil)
var _ Subscriber = (*MemoryBus)(nil)

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if ok, _ := doublestar.Match(s.filter, msg.Topic); ok {
			matched = append(matched, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		h(ctx, msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topicFilter string, handler Handler) (func() error, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = memorySub{filter: topicFilter, handler: handler}
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]memorySub)
	return nil
}

// NewMemoryFactory returns a bus Factory that always hands back the
// same MemoryBus instance for a given params["instance_key"], so that
// independently-constructed components in tests can share one bus.
func NewMemoryFactory() Factory {
	var mu sync.Mutex
	instances := make(map[string]*MemoryBus)

	return func(params map[string]string, logger *slog.Logger) (Publisher, Subscriber, error) {
		key := params["instance_key"]
		mu.Lock()
		defer mu.Unlock()
		b, ok := instances[key]
		if !ok {
			b = NewMemoryBus()
			instances[key] = b
		}
		return b, b, nil
	}
}
