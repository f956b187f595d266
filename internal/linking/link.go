package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	netmail "net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/models"
	"github.com/xelth-com/peerlinkgo/internal/signing"
	"github.com/xelth-com/peerlinkgo/internal/store"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

// RequestLink checks a signed link envelope and opens a pending link for it.
func (s *Service) RequestLink(ctx context.Context, req LinkRequest) (resp *LinkResponse, err error) {
	defer func() { telemetry.RecordLink(ctx, "request", telemetry.OutcomeFromError(err)) }()

	// 1. Envelope
	if err := validateEnvelope(req); err != nil {
		return nil, err
	}
	now := s.now()
	expireAt := time.UnixMilli(req.ExpireAt)
	if !expireAt.After(now) {
		return nil, apperr.Security("link request has expired")
	}
	if expireAt.Sub(now) > MaxAssertionLifetime {
		return nil, apperr.Validation("expireAt", "must be less than 24h in the future")
	}

	// 2. Signature, then bind the key to the claimed fingerprint
	if !signing.Verify(req.Data, req.Signature, req.PublicKeyPEM) {
		return nil, apperr.Security("invalid signature")
	}
	keyFingerprint, err := signing.Fingerprint(req.PublicKeyPEM)
	if err != nil {
		return nil, apperr.Security("invalid public key")
	}
	payload, err := decodePayload(req.Data)
	if err != nil {
		return nil, err
	}
	if payload.Fingerprint != keyFingerprint {
		return nil, apperr.Security("fingerprint does not match public key")
	}

	// 3. Replay guard, held until the envelope expires anyway
	fresh, err := s.bus.SetNX(ctx, events.LinkNonceKey(req.Nonce), []byte("1"), expireAt.Sub(now))
	if err != nil {
		return nil, apperr.Generic("recording nonce", err)
	}
	if !fresh {
		return nil, apperr.Security("link request already used")
	}

	return s.linkAccount(ctx, payload)
}

func validateEnvelope(req LinkRequest) error {
	switch {
	case req.Data == "":
		return apperr.Validation("data", "required")
	case req.Signature == "":
		return apperr.Validation("signature", "required")
	case req.PublicKeyPEM == "":
		return apperr.Validation("publicKeyPem", "required")
	case req.ExpireAt <= 0:
		return apperr.Validation("expireAt", "required")
	case len(req.Nonce) < minNonceLen || len(req.Nonce) > maxNonceLen:
		return apperr.Validation("nonce", "must be 16-64 characters")
	}
	return nil
}

func decodePayload(data string) (*SignedPayload, error) {
	var p SignedPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, apperr.Validation("data", "invalid payload structure")
	}
	if len(p.Fingerprint) < models.MinFingerprintLen {
		return nil, apperr.Validation("fingerprint", "must be at least 6 characters")
	}
	if p.PeerInfo != nil {
		if err := p.PeerInfo.Validate(); err != nil {
			return nil, err
		}
	}
	if p.Email != nil {
		if _, err := netmail.ParseAddress(*p.Email); err != nil {
			return nil, apperr.Validation("email", "invalid email address")
		}
	}
	return &p, nil
}

// linkAccount resolves the account, decides whether a PIN is needed and
// stores the pending link.
func (s *Service) linkAccount(ctx context.Context, p *SignedPayload) (*LinkResponse, error) {
	if p.PeerInfo != nil && p.PeerInfo.Fingerprint != p.Fingerprint {
		return nil, apperr.Validation("peerInfo.fingerprint", "does not match fingerprint")
	}

	account, err := s.resolveAccount(ctx, p)
	if err != nil {
		return nil, err
	}

	existing, err := s.records.GetPeerByFingerprint(ctx, p.Fingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Generic("loading peer", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		existing = nil
	}

	isAccountChange := existing != nil && existing.AccountID != account.ID
	requiresVerification := existing == nil || isAccountChange

	if existing == nil && p.PeerInfo == nil {
		return nil, apperr.Validation("peerInfo", "required for new peers")
	}
	if isAccountChange {
		// Moving a device needs the user to name the target mailbox.
		if p.AccountID != nil && p.Email == nil {
			return nil, apperr.Validation("email", "required when changing the account of a peer")
		}
		if p.PeerInfo == nil {
			return nil, apperr.Validation("peerInfo", "required when changing the account of a peer")
		}
	}

	requestID := uuid.NewString()
	ttl := PendingTTL
	rec := pendingLink{
		AccountID:   account.ID,
		Fingerprint: p.Fingerprint,
		PeerInfo:    p.PeerInfo,
	}

	var pin string
	if requiresVerification {
		ttl = PendingTTLWithPin
		if pin, err = newPin(); err != nil {
			return nil, apperr.Generic("generating pin", err)
		}
		if rec.PinHash, err = hashPin(pin, s.pinCost); err != nil {
			return nil, apperr.Generic("hashing pin", err)
		}
	}
	rec.ExpiresAt = s.now().Add(ttl).UnixNano()

	key := events.LinkRequestKey(requestID)
	if err := bus.SetJSON(ctx, s.bus, key, rec, ttl); err != nil {
		return nil, apperr.Generic("storing link request", err)
	}

	if pin != "" {
		text := fmt.Sprintf("Your verification PIN is: %s", pin)
		if err := s.mailer.Send(ctx, account.Email, "Your verification PIN", text); err != nil {
			if derr := s.bus.Delete(ctx, key); derr != nil {
				s.logger.Error("failed to drop undeliverable link request", "request_id", requestID, "error", derr)
			}
			return nil, apperr.Generic("sending verification email", err)
		}
	}

	s.logger.Info("link requested",
		"request_id", requestID,
		"account_id", account.ID,
		"account_change", isAccountChange,
		"verification", requiresVerification)

	return &LinkResponse{
		RequestID:            requestID,
		IsAccountChange:      isAccountChange,
		RequiresVerification: requiresVerification,
	}, nil
}

func (s *Service) resolveAccount(ctx context.Context, p *SignedPayload) (*models.Account, error) {
	switch {
	case p.AccountID != nil:
		account, err := s.records.GetAccountByID(ctx, *p.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Validation("accountId", "account not found")
		}
		if err != nil {
			return nil, apperr.Generic("loading account", err)
		}
		return account, nil
	case p.Email != nil:
		account, err := s.records.GetOrCreateAccount(ctx, *p.Email)
		if err != nil {
			return nil, apperr.Generic("resolving account", err)
		}
		return account, nil
	}
	return nil, apperr.Validation("accountId", "either accountId or email must be provided")
}

// VerifyLink consumes a pending link and issues the peer's token. The
// record is claimed atomically, so only one caller can complete a request;
// on failure it is put back so the caller can retry until it expires.
func (s *Service) VerifyLink(ctx context.Context, req VerifyRequest) (resp *VerifyResponse, err error) {
	defer func() { telemetry.RecordLink(ctx, "verify", telemetry.OutcomeFromError(err)) }()

	if req.RequestID == "" {
		return nil, apperr.Validation("requestId", "required")
	}

	// 1. Claim the pending link
	var rec pendingLink
	ok, err := bus.GetDelJSON(ctx, s.bus, events.LinkRequestKey(req.RequestID), &rec)
	if err != nil {
		return nil, apperr.Generic("loading link request", err)
	}
	if !ok {
		return nil, apperr.Validation("requestId", "invalid or expired link request")
	}

	// 2. PIN
	if rec.PinHash != "" {
		if req.Pin == nil || !checkPin(*req.Pin, rec.PinHash) {
			rec.Attempts++
			if rec.Attempts < MaxPinAttempts {
				s.restore(ctx, req.RequestID, rec)
			} else {
				s.logger.Warn("link request dropped after repeated wrong pins", "request_id", req.RequestID)
			}
			return nil, apperr.Validation("pin", "invalid PIN")
		}
	}

	resp, err = s.completeLink(ctx, rec)
	if err != nil {
		s.restore(ctx, req.RequestID, rec)
		return nil, err
	}
	s.logger.Info("link verified", "request_id", req.RequestID, "account_id", resp.AccountID)
	return resp, nil
}

func (s *Service) completeLink(ctx context.Context, rec pendingLink) (*VerifyResponse, error) {
	// 1. Account
	account, err := s.records.GetAccountByID(ctx, rec.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation("requestId", "associated account not found")
	}
	if err != nil {
		return nil, apperr.Generic("loading account", err)
	}

	// 2. Create or re-link the peer
	peer, err := s.records.GetPeerByFingerprint(ctx, rec.Fingerprint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if rec.PeerInfo == nil {
			return nil, apperr.Validation("peerInfo", "required for new peers")
		}
		if peer, err = s.CreatePeer(ctx, rec.AccountID, *rec.PeerInfo); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, apperr.Generic("loading peer", err)
	case peer.AccountID != rec.AccountID:
		if rec.PeerInfo == nil {
			return nil, apperr.Validation("peerInfo", "required for re-linking peers")
		}
		if err := s.RemovePeer(ctx, peer); err != nil {
			return nil, err
		}
		if peer, err = s.CreatePeer(ctx, rec.AccountID, *rec.PeerInfo); err != nil {
			return nil, err
		}
	}

	// 3. Token
	token, expiresAt, err := s.tokens.Issue(rec.AccountID, peer.ID)
	if err != nil {
		return nil, apperr.Generic("issuing token", err)
	}
	return &VerifyResponse{
		AccountID:   account.ID,
		AuthToken:   token,
		TokenExpiry: expiresAt.UnixMilli(),
		Email:       account.Email,
	}, nil
}

// restore puts a claimed pending link back for its remaining lifetime.
func (s *Service) restore(ctx context.Context, requestID string, rec pendingLink) {
	ttl := time.Unix(0, rec.ExpiresAt).Sub(s.now())
	if ttl <= 0 {
		return
	}
	if err := bus.SetJSON(ctx, s.bus, events.LinkRequestKey(requestID), rec, ttl); err != nil {
		s.logger.Error("failed to restore link request", "request_id", requestID, "error", err)
	}
}
