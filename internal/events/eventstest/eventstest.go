// Package eventstest records bus events for tests.
package eventstest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
)

// Recorder collects the events published to one topic.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Record subscribes a Recorder to topic for the rest of the test.
func Record(t testing.TB, b bus.Bus, topic string) *Recorder {
	t.Helper()
	r := &Recorder{}
	sub, err := b.Subscribe(context.Background(), topic, func(payload []byte) {
		evt, err := events.Decode(payload)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Unsubscribe(context.Background(), sub) })
	return r
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// Single requires exactly one event of kind and decodes its data into v.
func (r *Recorder) Single(t testing.TB, kind events.Kind, v any) {
	t.Helper()
	got := r.OfKind(kind)
	require.Len(t, got, 1, "events of kind %s", kind)
	require.NoError(t, got[0].DecodeData(v))
}
