package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBus keeps everything in process. Expired entries are removed lazily
// when read.
type MemoryBus struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool

	events *dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewMemory creates an in-process bus.
func NewMemory(opts ...Option) *MemoryBus {
	o := newOptions(opts)
	return &MemoryBus{
		entries: make(map[string]memoryEntry),
		events:  newDispatcher(),
		logger:  o.logger.With("component", "bus", "backend", "memory"),
		now:     o.now,
	}
}

// lookup returns the live entry for key, dropping it if expired. mu must be held.
func (m *MemoryBus) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if expired(e.expiresAt, m.now()) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryBus) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (m *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = memoryEntry{value: clone(value), expiresAt: expiryFor(m.now(), ttl)}
	return nil
}

func (m *MemoryBus) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: clone(value), expiresAt: expiryFor(m.now(), ttl)}
	return true, nil
}

func (m *MemoryBus) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, key)
	return e.value, true, nil
}

func (m *MemoryBus) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n := m.events.dispatch(topic, payload)
	m.logger.Debug("published", "topic", topic, "handlers", n)
	return nil
}

func (m *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (*Subscription, error) {
	return m.events.add(topic, h), nil
}

func (m *MemoryBus) Unsubscribe(_ context.Context, sub *Subscription) error {
	m.events.remove(sub)
	return nil
}

// Close drops all entries. Further calls fail with ErrClosed.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
