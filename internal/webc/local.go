package webc

import (
	"context"
	"net/netip"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

// localEndpoint is one side's LAN candidates, parked in the pair's
// webc_local_pending slot.
type localEndpoint struct {
	OwnerPeerID string   `json:"ownerPeerId"`
	OtherPeerID string   `json:"otherPeerId"`
	Pin         string   `json:"pin"`
	Addresses   []string `json:"localAddresses"`
	Port        int      `json:"port"`
}

// RelayLocal runs the same-network fallback after a LOCAL_NETWORK reject.
// Only private, non-loopback IPv4 addresses are considered. Once both sides
// have submitted, the first pair of candidates on the same network is
// relayed; without one both sides get NO_MATCHING_NETWORK.
func (s *Service) RelayLocal(ctx context.Context, peerID, pin string, addresses []string, port int) (err error) {
	result := "waiting"
	defer func() { telemetry.RecordRendezvous(ctx, "local", resultOf(err, result)) }()

	if pin == "" {
		return apperr.Validation("pin", "required")
	}
	if port < 1 || port > 65535 {
		return apperr.Validation("port", "must be between 1 and 65535")
	}
	addresses = LocalAddresses(addresses)
	if len(addresses) == 0 {
		return apperr.Validation("addresses", "no valid local addresses provided")
	}

	// 1. Already handled
	_, done, err := s.bus.Get(ctx, events.WebcLocalRelayedKey(pin))
	if err != nil {
		return apperr.Generic("reading relay flag", err)
	}
	if done {
		result = "duplicate"
		return nil
	}

	// 2. Ownership
	var rec localRecord
	ok, err := bus.GetJSON(ctx, s.bus, events.WebcLocalKey(pin), &rec)
	if err != nil {
		return apperr.Generic("loading local fallback", err)
	}
	if !ok {
		return apperr.ErrInvalidOrExpiredPin
	}
	if rec.OwnerPeerID != peerID {
		s.logger.Warn("local fallback pin used by another peer", "pin", pin, "peer_id", peerID)
		return apperr.ErrPinOwnershipMismatch
	}

	fresh, err := s.bus.SetNX(ctx, events.WebcLocalRelayedKey(pin), []byte("1"), RelayTTL)
	if err != nil {
		return apperr.Generic("marking pin", err)
	}
	if !fresh {
		result = "duplicate"
		return nil
	}

	// 3. Meet the other side
	mine := localEndpoint{OwnerPeerID: peerID, OtherPeerID: rec.OtherPeerID, Pin: pin, Addresses: addresses, Port: port}
	other, second, err := meet(ctx, s.bus, events.WebcLocalPendingKey(slotPin(pin, rec.OtherPin)), mine)
	if err != nil {
		return apperr.Generic("exchanging local addresses", err)
	}
	if !second {
		return nil
	}
	s.dropLocal(ctx, pin, rec.OtherPin)

	// 4. Pair candidates
	mineAddr, otherAddr, found := matchNetworks(addresses, other.Addresses)
	if !found {
		result = apperr.ErrNoMatchingLocalNetwork.Code
		if err := s.reject(ctx, peerID, pin, apperr.ErrNoMatchingLocalNetwork.Code, other.OwnerPeerID, other.Pin); err != nil {
			return err
		}
		return apperr.ErrNoMatchingLocalNetwork
	}

	result = "relayed"
	if err := s.notifier.NotifyPeer(ctx, peerID, events.KindWebcPeerData, events.WebcPeerData{
		Pin: pin, PeerAddress: otherAddr, PeerPort: other.Port,
	}); err != nil {
		return apperr.Generic("relaying local endpoint", err)
	}
	if err := s.notifier.NotifyPeer(ctx, other.OwnerPeerID, events.KindWebcPeerData, events.WebcPeerData{
		Pin: other.Pin, PeerAddress: mineAddr, PeerPort: port,
	}); err != nil {
		return apperr.Generic("relaying local endpoint", err)
	}
	s.logger.Info("local endpoints relayed", "pin", pin, "other_pin", other.Pin)
	return nil
}

func (s *Service) dropLocal(ctx context.Context, pins ...string) {
	for _, pin := range pins {
		if err := s.bus.Delete(ctx, events.WebcLocalKey(pin)); err != nil {
			s.logger.Error("failed to drop local fallback record", "pin", pin, "error", err)
		}
	}
}

func matchNetworks(mine, other []string) (string, string, bool) {
	for _, a := range mine {
		for _, b := range other {
			if SameNetwork(a, b) {
				return a, b, true
			}
		}
	}
	return "", "", false
}

// SameNetwork reports whether two IPv4 addresses share their first two
// octets.
func SameNetwork(a, b string) bool {
	x, err := netip.ParseAddr(a)
	if err != nil || !x.Is4() {
		return false
	}
	y, err := netip.ParseAddr(b)
	if err != nil || !y.Is4() {
		return false
	}
	xb, yb := x.As4(), y.As4()
	return xb[0] == yb[0] && xb[1] == yb[1]
}

// LocalAddresses keeps the private, non-loopback IPv4 addresses of addrs.
func LocalAddresses(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil || !ip.Is4() || ip.IsLoopback() || !ip.IsPrivate() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}
