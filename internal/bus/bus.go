// Package bus provides the keyed store with per-key expiry and the topic
// publish/subscribe mechanism every other component coordinates through.
//
// Three backends implement Bus: an in-process map (single node, no external
// dependency), a bbolt file (single node, survives restarts) and Postgres
// (shared by several server processes). The backend is chosen once at
// startup by New.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives a published payload. Handlers of one topic run in
// subscription order on the publishing goroutine (memory and bolt) or on the
// listener goroutine (postgres), so they must not block. The payload must
// not be modified.
type Handler func(payload []byte)

// Bus is the shared keyed store and event dispatcher.
//
// A ttl <= 0 stores the value without expiry. Expired entries are never
// returned, whether or not a background sweep has removed them yet.
type Bus interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent or expired and reports
	// whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// GetDel atomically reads and removes key.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// Publish delivers payload to every handler subscribed to topic at the
	// time of the call. There is no replay for later subscribers.
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error

	Close() error
}

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	reapInterval time.Duration
}

// Option configures a bus backend.
type Option func(*options)

// WithLogger sets the logger for the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithReapInterval sets how often durable backends delete expired entries.
// Zero disables the background sweep.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) {
		o.reapInterval = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		now:          time.Now,
		reapInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expiryFor converts a ttl into an absolute deadline; the zero time means
// no expiry.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
