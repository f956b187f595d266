// Package auth issues and checks the long-lived peer credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
)

// TokenLifetime is how long an issued token stays valid.
const TokenLifetime = 60 * 24 * time.Hour

// ErrInvalidToken is returned when a token fails signature, expiry or
// payload checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload.
type Claims struct {
	AccountID string `json:"accountId"`
	PeerID    string `json:"peerId"`
	jwt.RegisteredClaims
}

// Identity is the authenticated (account, peer) pair a token binds.
type Identity struct {
	AccountID string
	PeerID    string
}

// PeerChecker answers whether a peer record still exists.
type PeerChecker interface {
	PeerExists(ctx context.Context, id string) (bool, error)
}

// Service issues and verifies tokens. Authenticate additionally requires the
// peer to still exist, which is how deleting a peer revokes its tokens.
type Service struct {
	secret    []byte
	bus       bus.Bus
	peers     PeerChecker
	existsTTL time.Duration
	group     singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
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

// WithExistsTTL sets how long a peer existence check is cached.
func WithExistsTTL(d time.Duration) Option {
	return func(s *Service) {
		s.existsTTL = d
	}
}

// NewService creates a token service signing with secret.
func NewService(secret string, b bus.Bus, peers PeerChecker, opts ...Option) *Service {
	s := &Service{
		secret:    []byte(secret),
		bus:       b,
		peers:     peers,
		existsTTL: 10 * time.Minute,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth")
	return s
}

// Issue signs a token for (accountID, peerID) and returns it with its expiry.
func (s *Service) Issue(accountID, peerID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(TokenLifetime)
	claims := Claims{
		AccountID: accountID,
		PeerID:    peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks signature, expiry and payload.
func (s *Service) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token provided", ErrInvalidToken)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AccountID == "" || claims.PeerID == "" {
		return nil, fmt.Errorf("%w: incomplete payload", ErrInvalidToken)
	}
	return &Identity{AccountID: claims.AccountID, PeerID: claims.PeerID}, nil
}

// Authenticate verifies token and that its peer still exists. Bad or revoked
// credentials are security errors; store or bus failures are generic errors.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	id, err := s.Verify(token)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindSecurity, Code: apperr.CodeSecurity, Message: "invalid token", Err: err}
	}
	exists, err := s.PeerExistsCached(ctx, id.PeerID)
	if err != nil {
		return nil, apperr.Generic("checking peer", err)
	}
	if !exists {
		return nil, apperr.Security("peer does not exist")
	}
	return id, nil
}

// PeerExistsCached answers from the bus when possible and otherwise asks the
// store, caching the answer for the configured TTL. Concurrent misses for
// the same peer share one store lookup.
func (s *Service) PeerExistsCached(ctx context.Context, peerID string) (bool, error) {
	key := events.PeerExistsKey(peerID)
	raw, ok, err := s.bus.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return string(raw) == "true", nil
	}

	v, err, _ := s.group.Do(peerID, func() (interface{}, error) {
		exists, err := s.peers.PeerExists(ctx, peerID)
		if err != nil {
			return false, err
		}
		val := "false"
		if exists {
			val = "true"
		}
		if err := s.bus.Set(ctx, key, []byte(val), s.existsTTL); err != nil {
			return false, fmt.Errorf("caching peer existence: %w", err)
		}
		return exists, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Revoke records that a peer was removed so its tokens stop authenticating
// without waiting for the cached answer to expire. Peer ids are never
// reused, so the negative answer stays correct.
func (s *Service) Revoke(ctx context.Context, peerID string) error {
	if err := s.bus.Set(ctx, events.PeerExistsKey(peerID), []byte("false"), s.existsTTL); err != nil {
		return fmt.Errorf("revoking peer %s: %w", peerID, err)
	}
	s.logger.Debug("peer revoked", "peer_id", peerID)
	return nil
}
