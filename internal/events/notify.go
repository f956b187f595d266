package events

import (
	"context"
	"fmt"

	"github.com/xelth-com/peerlinkgo/internal/bus"
)

// Notifier publishes events to peer and account topics.
type Notifier struct {
	bus bus.Bus
}

// NewNotifier creates a Notifier publishing on b.
func NewNotifier(b bus.Bus) *Notifier {
	return &Notifier{bus: b}
}

// NotifyPeer sends an event to a single peer.
func (n *Notifier) NotifyPeer(ctx context.Context, peerID string, kind Kind, data any) error {
	return n.publish(ctx, PeerTopic(peerID), kind, data)
}

// NotifyAccount sends an event to every connected peer of an account.
func (n *Notifier) NotifyAccount(ctx context.Context, accountID string, kind Kind, data any) error {
	return n.publish(ctx, AccountTopic(accountID), kind, data)
}

func (n *Notifier) publish(ctx context.Context, topic string, kind Kind, data any) error {
	evt, err := New(kind, data)
	if err != nil {
		return err
	}
	raw, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", kind, err)
	}
	if err := n.bus.Publish(ctx, topic, raw); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", kind, topic, err)
	}
	return nil
}
