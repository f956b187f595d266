package bus

import (
	"sync"
	"sync/atomic"
)

var subscriptionSeq atomic.Uint64

// Subscription identifies one Subscribe call; pass it to Unsubscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// dispatcher fans payloads out to in-process handlers.
type dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string][]*Subscription)}
}

func (d *dispatcher) add(topic string, h Handler) *Subscription {
	s := &Subscription{id: subscriptionSeq.Add(1), topic: topic, handler: h}
	d.mu.Lock()
	d.subs[topic] = append(d.subs[topic], s)
	d.mu.Unlock()
	return s
}

func (d *dispatcher) remove(s *Subscription) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[s.topic]
	for i, cur := range list {
		if cur.id != s.id {
			continue
		}
		rest := make([]*Subscription, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(d.subs, s.topic)
		} else {
			d.subs[s.topic] = rest
		}
		return
	}
}

// dispatch calls every handler of topic in subscription order and returns
// how many were called. The slice is copied on write, so handlers may
// subscribe or unsubscribe while being called.
func (d *dispatcher) dispatch(topic string, payload []byte) int {
	d.mu.RLock()
	list := d.subs[topic]
	d.mu.RUnlock()

	for _, s := range list {
		s.handler(payload)
	}
	return len(list)
}

func (d *dispatcher) count(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[topic])
}
