package webc

import (
	"context"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

// endpoint is one side's observed UDP endpoint, parked in the pair's
// webc_pending slot until the other side arrives.
type endpoint struct {
	TargetPeerID string `json:"targetPeerId"`
	Pin          string `json:"pin"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
}

// localRecord is stored under webc_local_<pin> when both sides reported the
// same public address.
type localRecord struct {
	OwnerPeerID string `json:"ownerPeerId"`
	OtherPeerID string `json:"otherPeerId"`
	OtherPin    string `json:"otherPin"`
}

// RelayEndpoint records the endpoint a PIN datagram arrived from. The first
// side of a pair waits; the second side relays both endpoints, or rejects
// both with ErrLocalNetworkConflict when they share a public address.
// Repeated datagrams for a PIN are ignored.
func (s *Service) RelayEndpoint(ctx context.Context, pin, address string, port int) (err error) {
	result := "waiting"
	defer func() { telemetry.RecordRendezvous(ctx, "endpoint", resultOf(err, result)) }()

	// 1. Idempotency flag
	fresh, err := s.bus.SetNX(ctx, events.WebcRelayedKey(pin), []byte("1"), RelayTTL)
	if err != nil {
		return apperr.Generic("marking pin", err)
	}
	if !fresh {
		result = "duplicate"
		return nil
	}

	// 2. Consume the init record
	var rec initRecord
	ok, err := bus.GetDelJSON(ctx, s.bus, events.WebcInitKey(pin), &rec)
	if err != nil {
		return apperr.Generic("loading rendezvous", err)
	}
	if !ok {
		if err := s.bus.Delete(ctx, events.WebcRelayedKey(pin)); err != nil {
			s.logger.Warn("failed to clear relay flag", "pin", pin, "error", err)
		}
		return apperr.ErrInvalidOrExpiredPin
	}

	// 3. Meet the other side
	mine := endpoint{TargetPeerID: rec.TargetPeerID, Pin: pin, Address: address, Port: port}
	other, second, err := meet(ctx, s.bus, events.WebcPendingKey(slotPin(pin, rec.TargetPin)), mine)
	if err != nil {
		return apperr.Generic("exchanging endpoints", err)
	}
	if !second {
		s.logger.Debug("endpoint parked", "pin", pin)
		return nil
	}
	if other.Pin != rec.TargetPin {
		s.logger.Error("rendezvous slot held a foreign pin", "pin", pin, "slot_pin", other.Pin)
		return apperr.ErrInvalidOrExpiredPin
	}
	selfID := other.TargetPeerID

	// 4. Same public address: hand both sides over to the local fallback
	if other.Address == address {
		result = "local"
		for p, lr := range map[string]localRecord{
			pin:       {OwnerPeerID: selfID, OtherPeerID: rec.TargetPeerID, OtherPin: rec.TargetPin},
			other.Pin: {OwnerPeerID: rec.TargetPeerID, OtherPeerID: selfID, OtherPin: pin},
		} {
			if err := bus.SetJSON(ctx, s.bus, events.WebcLocalKey(p), lr, RelayTTL); err != nil {
				return apperr.Generic("storing local fallback", err)
			}
		}
		code := apperr.ErrLocalNetworkConflict.Code
		if err := s.reject(ctx, selfID, pin, code, rec.TargetPeerID, other.Pin); err != nil {
			return err
		}
		s.logger.Info("rendezvous peers share an address", "pin", pin, "other_pin", other.Pin)
		return apperr.ErrLocalNetworkConflict
	}

	// 5. Relay each endpoint to the other side
	result = "relayed"
	if err := s.notifier.NotifyPeer(ctx, selfID, events.KindWebcPeerData, events.WebcPeerData{
		Pin: pin, PeerAddress: other.Address, PeerPort: other.Port,
	}); err != nil {
		return apperr.Generic("relaying endpoint", err)
	}
	if err := s.notifier.NotifyPeer(ctx, rec.TargetPeerID, events.KindWebcPeerData, events.WebcPeerData{
		Pin: other.Pin, PeerAddress: address, PeerPort: port,
	}); err != nil {
		return apperr.Generic("relaying endpoint", err)
	}
	s.logger.Info("rendezvous endpoints relayed", "pin", pin, "other_pin", other.Pin)
	return nil
}

// reject sends webc_reject with code to both sides, each tagged with its own
// PIN.
func (s *Service) reject(ctx context.Context, peerA, pinA, code, peerB, pinB string) error {
	if err := s.notifier.NotifyPeer(ctx, peerA, events.KindWebcReject, events.WebcReject{Pin: pinA, Message: code}); err != nil {
		return apperr.Generic("sending reject", err)
	}
	if err := s.notifier.NotifyPeer(ctx, peerB, events.KindWebcReject, events.WebcReject{Pin: pinB, Message: code}); err != nil {
		return apperr.Generic("sending reject", err)
	}
	return nil
}
