// Package webc runs the rendezvous that lets two peers of an account learn
// each other's reachable UDP endpoint.
//
// Init hands each side a PIN. Each side sends the PIN to the UDP listener,
// which reports the observed source endpoint to RelayEndpoint. When both
// endpoints are known and differ, each peer receives the other's endpoint.
// When they are equal the peers most likely share a NAT, both are rejected
// with LOCAL_NETWORK and fall back to RelayLocal with their LAN addresses.
//
// Every first/second decision is a SetNX or GetDel on the bus, so two server
// processes handling the two sides of one rendezvous cannot both win.
package webc

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

const (
	// InitTTL is how long a PIN waits for its datagram.
	InitTTL = 5 * time.Minute
	// RelayTTL bounds every later rendezvous record.
	RelayTTL = 2 * time.Minute
	// PinLength is the length of a rendezvous PIN.
	PinLength = 8

	pinAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// slotAttempts bounds the SetNX/GetDel loop when the other side's record
	// expires between the two calls.
	slotAttempts = 3
)

// Participant is one side of a rendezvous.
type Participant struct {
	PeerID      string
	Fingerprint string
}

// initRecord is stored under webc_init_<pin>.
type initRecord struct {
	TargetFingerprint string `json:"targetFingerprint"`
	TargetPeerID      string `json:"targetId"`
	TargetPin         string `json:"targetPin"`
}

// Service runs the rendezvous phases.
type Service struct {
	bus           bus.Bus
	notifier      *events.Notifier
	serverAddress string
	serverPort    int
	logger        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithServer sets the UDP endpoint advertised in init records. An empty
// address lets clients reuse the host they reached the API on.
func WithServer(address string, port int) Option {
	return func(s *Service) {
		s.serverAddress = address
		s.serverPort = port
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a rendezvous service.
func NewService(b bus.Bus, opts ...Option) *Service {
	s := &Service{
		bus:      b,
		notifier: events.NewNotifier(b),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "webc")
	return s
}

// Init starts a rendezvous between source and remote. The remote peer gets
// its record as a webc_request event; the source gets its record back.
func (s *Service) Init(ctx context.Context, source, remote Participant) (out *events.WebcInit, err error) {
	defer func() { telemetry.RecordRendezvous(ctx, "init", resultOf(err, "created")) }()

	if source.PeerID == remote.PeerID {
		return nil, apperr.Validation("fingerprint", "cannot connect a peer to itself")
	}

	sourcePin, err := newPin()
	if err != nil {
		return nil, apperr.Generic("generating pin", err)
	}
	remotePin, err := newPin()
	for err == nil && remotePin == sourcePin {
		remotePin, err = newPin()
	}
	if err != nil {
		return nil, apperr.Generic("generating pin", err)
	}

	records := map[string]initRecord{
		sourcePin: {TargetFingerprint: remote.Fingerprint, TargetPeerID: remote.PeerID, TargetPin: remotePin},
		remotePin: {TargetFingerprint: source.Fingerprint, TargetPeerID: source.PeerID, TargetPin: sourcePin},
	}
	for pin, rec := range records {
		if err := bus.SetJSON(ctx, s.bus, events.WebcInitKey(pin), rec, InitTTL); err != nil {
			s.dropInit(ctx, sourcePin, remotePin)
			return nil, apperr.Generic("storing rendezvous", err)
		}
	}

	forRemote := s.initFor(source.Fingerprint, remotePin)
	if err := s.notifier.NotifyPeer(ctx, remote.PeerID, events.KindWebcRequest, forRemote); err != nil {
		s.dropInit(ctx, sourcePin, remotePin)
		return nil, apperr.Generic("notifying remote peer", err)
	}

	s.logger.Debug("rendezvous started", "source", source.PeerID, "remote", remote.PeerID)
	forSource := s.initFor(remote.Fingerprint, sourcePin)
	return &forSource, nil
}

func (s *Service) initFor(fingerprint, pin string) events.WebcInit {
	return events.WebcInit{
		Fingerprint:   fingerprint,
		Pin:           pin,
		ServerAddress: s.serverAddress,
		ServerPort:    s.serverPort,
	}
}

func (s *Service) dropInit(ctx context.Context, pins ...string) {
	for _, pin := range pins {
		if err := s.bus.Delete(ctx, events.WebcInitKey(pin)); err != nil {
			s.logger.Error("failed to drop rendezvous record", "pin", pin, "error", err)
		}
	}
}

// newPin returns PinLength random characters from pinAlphabet.
func newPin() (string, error) {
	size := big.NewInt(int64(len(pinAlphabet)))
	b := make([]byte, PinLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		b[i] = pinAlphabet[n.Int64()]
	}
	return string(b), nil
}

// slotPin names the record the two sides of a pair meet on. Both sides
// compute the same value from their own and the other's PIN.
func slotPin(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// meet stores mine in slot unless the other side got there first, in which
// case it consumes and returns the other side's record.
func meet[T any](ctx context.Context, b bus.Bus, slot string, mine T) (other T, second bool, err error) {
	for i := 0; i < slotAttempts; i++ {
		first, err := bus.SetNXJSON(ctx, b, slot, mine, RelayTTL)
		if err != nil {
			return other, false, err
		}
		if first {
			return other, false, nil
		}
		ok, err := bus.GetDelJSON(ctx, b, slot, &other)
		if err != nil {
			return other, false, err
		}
		if ok {
			return other, true, nil
		}
	}
	return other, false, fmt.Errorf("rendezvous slot %s kept changing", slot)
}

func resultOf(err error, ok string) string {
	if err == nil {
		return ok
	}
	if e, found := apperr.As(err); found && e.Kind != apperr.KindGeneric && e.Kind != apperr.KindValidation {
		return e.Code
	}
	return "error"
}
