package bus

import (
	"context"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

// InstrumentedBus wraps a Bus with metrics recording.
type InstrumentedBus struct {
	bus     Bus
	backend string
}

// NewInstrumented creates a new instrumented bus wrapper.
func NewInstrumented(b Bus, backend string) *InstrumentedBus {
	return &InstrumentedBus{bus: b, backend: backend}
}

func (ib *InstrumentedBus) record(ctx context.Context, op string, start time.Time, err error) {
	telemetry.RecordBusOp(ctx, ib.backend, op, telemetry.OutcomeFromError(err), time.Since(start))
}

func (ib *InstrumentedBus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := ib.bus.Get(ctx, key)
	ib.record(ctx, "get", start, err)
	return v, ok, err
}

func (ib *InstrumentedBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := ib.bus.Set(ctx, key, value, ttl)
	ib.record(ctx, "set", start, err)
	return err
}

func (ib *InstrumentedBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := ib.bus.SetNX(ctx, key, value, ttl)
	ib.record(ctx, "setnx", start, err)
	return ok, err
}

func (ib *InstrumentedBus) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := ib.bus.GetDel(ctx, key)
	ib.record(ctx, "getdel", start, err)
	return v, ok, err
}

func (ib *InstrumentedBus) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.bus.Delete(ctx, key)
	ib.record(ctx, "delete", start, err)
	return err
}

func (ib *InstrumentedBus) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	err := ib.bus.Publish(ctx, topic, payload)
	ib.record(ctx, "publish", start, err)
	return err
}

func (ib *InstrumentedBus) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	start := time.Now()
	sub, err := ib.bus.Subscribe(ctx, topic, h)
	ib.record(ctx, "subscribe", start, err)
	return sub, err
}

func (ib *InstrumentedBus) Unsubscribe(ctx context.Context, sub *Subscription) error {
	start := time.Now()
	err := ib.bus.Unsubscribe(ctx, sub)
	ib.record(ctx, "unsubscribe", start, err)
	return err
}

func (ib *InstrumentedBus) Close() error {
	return ib.bus.Close()
}
