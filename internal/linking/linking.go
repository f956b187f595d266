// Package linking binds devices to accounts and manages the peers of an
// account.
//
// A device proves possession of its key by signing a link assertion. The
// server answers with a request id and, when the device is new to the account,
// emails a PIN that must be presented to VerifyLink before a token is issued.
package linking

import (
	"log/slog"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/mail"
	"github.com/xelth-com/peerlinkgo/internal/models"
	"github.com/xelth-com/peerlinkgo/internal/store"
)

const (
	// PendingTTLWithPin is how long a link waiting for a PIN stays valid.
	PendingTTLWithPin = 15 * time.Minute
	// PendingTTL is how long a link that needs no PIN stays valid.
	PendingTTL = 5 * time.Minute
	// MaxPinAttempts bounds wrong PIN guesses per request.
	MaxPinAttempts = 5
	// MaxAssertionLifetime bounds how far in the future expireAt may lie.
	MaxAssertionLifetime = 24 * time.Hour

	minNonceLen = 16
	maxNonceLen = 64
)

// LinkRequest is the signed envelope a device posts to /link. Data is the
// JSON encoded SignedPayload exactly as signed.
type LinkRequest struct {
	Data         string `json:"data"`
	Signature    string `json:"signature"`
	PublicKeyPEM string `json:"publicKeyPem"`
	ExpireAt     int64  `json:"expireAt"` // ms since epoch
	Nonce        string `json:"nonce"`
}

// SignedPayload is the body covered by the signature.
type SignedPayload struct {
	Email       *string          `json:"email"`
	AccountID   *string          `json:"accountId"`
	Fingerprint string           `json:"fingerprint"`
	PeerInfo    *models.PeerInfo `json:"peerInfo"`
}

// LinkResponse is returned by RequestLink.
type LinkResponse struct {
	RequestID            string `json:"requestId"`
	IsAccountChange      bool   `json:"isAccountChange"`
	RequiresVerification bool   `json:"requiresVerification"`
}

// VerifyRequest completes a link.
type VerifyRequest struct {
	RequestID string  `json:"requestId"`
	Pin       *string `json:"pin"`
}

// VerifyResponse carries the issued credential.
type VerifyResponse struct {
	AccountID   string `json:"accountId"`
	AuthToken   string `json:"authToken"`
	TokenExpiry int64  `json:"tokenExpiry"` // ms since epoch
	Email       string `json:"email"`
}

// pendingLink is the bus record behind a request id.
type pendingLink struct {
	AccountID   string           `json:"accountId"`
	Fingerprint string           `json:"fingerprint"`
	PeerInfo    *models.PeerInfo `json:"peerInfo"`
	PinHash     string           `json:"pinHash,omitempty"`
	Attempts    int              `json:"attempts,omitempty"`
	ExpiresAt   int64            `json:"expiresAt"` // unix nanos
}

// Service runs the linking protocol and peer management.
type Service struct {
	bus      bus.Bus
	records  store.RecordStore
	tokens   *auth.Service
	mailer   mail.Sender
	notifier *events.Notifier
	pinCost  int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPinCost sets the bcrypt cost used to hash link PINs.
func WithPinCost(cost int) Option {
	return func(s *Service) {
		s.pinCost = cost
	}
}

// NewService creates a linking service.
func NewService(b bus.Bus, records store.RecordStore, tokens *auth.Service, mailer mail.Sender, opts ...Option) *Service {
	s := &Service{
		bus:      b,
		records:  records,
		tokens:   tokens,
		mailer:   mailer,
		notifier: events.NewNotifier(b),
		pinCost:  defaultPinCost,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "linking")
	return s
}
