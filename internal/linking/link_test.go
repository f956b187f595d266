package linking

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/events/eventstest"
	"github.com/xelth-com/peerlinkgo/internal/models"
	"github.com/xelth-com/peerlinkgo/internal/signing"
	"github.com/xelth-com/peerlinkgo/internal/store"
	"github.com/xelth-com/peerlinkgo/internal/store/storetest"
)

type sentMail struct {
	to, subject, text string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, text: text})
	return nil
}

var pinPattern = regexp.MustCompile(`\b\d{6}\b`)

// lastPin returns the PIN of the most recent mail and its recipient.
func (f *fakeMailer) lastPin(t *testing.T) (pin, to string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no mail sent")
	m := f.sent[len(f.sent)-1]
	pin = pinPattern.FindString(m.text)
	require.NotEmpty(t, pin, "mail has no 6 digit pin: %q", m.text)
	return pin, m.to
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	svc     *Service
	bus     bus.Bus
	records *store.GormStore
	tokens  *auth.Service
	mailer  *fakeMailer
	now     time.Time
}

func newTestService(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		mailer: &fakeMailer{},
	}
	clock := func() time.Time { return h.now }
	h.bus = bus.NewMemory(bus.WithNow(clock))
	t.Cleanup(func() { _ = h.bus.Close() })
	h.records = storetest.New(t)
	h.tokens = auth.NewService("test-secret", h.bus, h.records, auth.WithNow(clock))
	h.svc = NewService(h.bus, h.records, h.tokens, h.mailer, WithNow(clock), WithPinCost(bcrypt.MinCost))
	return h
}

type device struct {
	key         *rsa.PrivateKey
	pem         string
	fingerprint string
}

func newDevice(t *testing.T) *device {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pem, err := signing.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	fp, err := signing.Fingerprint(pem)
	require.NoError(t, err)
	return &device{key: key, pem: pem, fingerprint: fp}
}

func (d *device) info(name string) *models.PeerInfo {
	return &models.PeerInfo{
		DeviceName:  name,
		Fingerprint: d.fingerprint,
		Version:     "1.0.0",
		DeviceInfo:  models.DeviceInfo{OS: models.OSLinux, FormFactor: models.FormLaptop},
	}
}

func strp(s string) *string { return &s }

// envelope signs payload with the device key and wraps it for RequestLink.
func (h *harness) envelope(t *testing.T, d *device, payload SignedPayload) LinkRequest {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := signing.Sign(string(data), d.key)
	require.NoError(t, err)
	return LinkRequest{
		Data:         string(data),
		Signature:    sig,
		PublicKeyPEM: d.pem,
		ExpireAt:     h.now.Add(5 * time.Minute).UnixMilli(),
		Nonce:        strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// link runs a full email link for d and returns the verify response.
func (h *harness) link(t *testing.T, d *device, email string) *VerifyResponse {
	t.Helper()
	ctx := context.Background()
	resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
		Email:       strp(email),
		Fingerprint: d.fingerprint,
		PeerInfo:    d.info("laptop"),
	}))
	require.NoError(t, err)
	var pin *string
	if resp.RequiresVerification {
		p, _ := h.mailer.lastPin(t)
		pin = &p
	}
	out, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID, Pin: pin})
	require.NoError(t, err)
	return out
}

func requireKind(t *testing.T, err error, kind apperr.Kind, field string) {
	t.Helper()
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok, "unclassified error: %v", err)
	assert.Equal(t, kind, e.Kind, "error: %v", err)
	if field != "" {
		assert.Equal(t, field, e.Field)
	}
}

func TestNewDeviceLink(t *testing.T) {
	ctx := context.Background()
	h := newTestService(t)
	d := newDevice(t)

	resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
		Email:       strp("a@b.com"),
		Fingerprint: d.fingerprint,
		PeerInfo:    d.info("laptop"),
	}))
	require.NoError(t, err)
	assert.True(t, resp.RequiresVerification)
	assert.False(t, resp.IsAccountChange)
	assert.NotEmpty(t, resp.RequestID)

	pin, to := h.mailer.lastPin(t)
	assert.Equal(t, "a@b.com", to)

	account, err := h.records.GetOrCreateAccount(ctx, "a@b.com")
	require.NoError(t, err)
	rec := eventstest.Record(t, h.bus, events.AccountTopic(account.ID))

	out, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID, Pin: &pin})
	require.NoError(t, err)
	assert.Equal(t, account.ID, out.AccountID)
	assert.Equal(t, "a@b.com", out.Email)
	assert.Equal(t, h.now.Add(auth.TokenLifetime).UnixMilli(), out.TokenExpiry)

	peer, err := h.records.GetPeerByFingerprint(ctx, d.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, account.ID, peer.AccountID)

	id, err := h.tokens.Authenticate(ctx, out.AuthToken)
	require.NoError(t, err)
	assert.Equal(t, peer.ID, id.PeerID)

	var added models.PeerInfo
	rec.Single(t, events.KindPeerAdded, &added)
	assert.Equal(t, d.fingerprint, added.Fingerprint)

	t.Run("single use", func(t *testing.T) {
		_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID, Pin: &pin})
		requireKind(t, err, apperr.KindValidation, "requestId")
	})
}

func TestVerifyLinkPin(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T) (*harness, string, string) {
		h := newTestService(t)
		d := newDevice(t)
		resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
			Email:       strp("a@b.com"),
			Fingerprint: d.fingerprint,
			PeerInfo:    d.info("phone"),
		}))
		require.NoError(t, err)
		pin, _ := h.mailer.lastPin(t)
		return h, resp.RequestID, pin
	}

	wrongPin := func(pin string) *string {
		if pin == "000000" {
			return strp("000001")
		}
		return strp("000000")
	}

	t.Run("wrong pin then retry", func(t *testing.T) {
		h, id, pin := start(t)
		_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: wrongPin(pin)})
		requireKind(t, err, apperr.KindValidation, "pin")

		out, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: &pin})
		require.NoError(t, err)
		assert.NotEmpty(t, out.AuthToken)
	})

	t.Run("missing pin", func(t *testing.T) {
		h, id, _ := start(t)
		_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id})
		requireKind(t, err, apperr.KindValidation, "pin")
	})

	t.Run("too many wrong pins drop the request", func(t *testing.T) {
		h, id, pin := start(t)
		for i := 0; i < MaxPinAttempts; i++ {
			_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: wrongPin(pin)})
			requireKind(t, err, apperr.KindValidation, "pin")
		}
		_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: &pin})
		requireKind(t, err, apperr.KindValidation, "requestId")
	})

	t.Run("expired", func(t *testing.T) {
		h, id, pin := start(t)
		h.now = h.now.Add(PendingTTLWithPin + time.Second)
		_, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: &pin})
		requireKind(t, err, apperr.KindValidation, "requestId")
	})

	t.Run("pin is not stored in clear", func(t *testing.T) {
		h, id, pin := start(t)
		raw, ok, err := h.bus.Get(ctx, events.LinkRequestKey(id))
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotContains(t, string(raw), pin)
	})

	t.Run("concurrent verify succeeds once", func(t *testing.T) {
		h, id, pin := start(t)
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: id, Pin: &pin}); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
	})
}

func TestAccountRelink(t *testing.T) {
	ctx := context.Background()
	h := newTestService(t)
	d := newDevice(t)

	first := h.link(t, d, "x@y.com")
	oldPeer, err := h.records.GetPeerByFingerprint(ctx, d.fingerprint)
	require.NoError(t, err)

	target, err := h.records.GetOrCreateAccount(ctx, "y@z.com")
	require.NoError(t, err)
	oldAccount := eventstest.Record(t, h.bus, events.AccountTopic(first.AccountID))

	resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
		AccountID:   strp(target.ID),
		Email:       strp("y@z.com"),
		Fingerprint: d.fingerprint,
		PeerInfo:    d.info("laptop"),
	}))
	require.NoError(t, err)
	assert.True(t, resp.IsAccountChange)
	assert.True(t, resp.RequiresVerification)

	pin, to := h.mailer.lastPin(t)
	assert.Equal(t, "y@z.com", to)

	out, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID, Pin: &pin})
	require.NoError(t, err)
	assert.Equal(t, target.ID, out.AccountID)

	newPeer, err := h.records.GetPeerByFingerprint(ctx, d.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, target.ID, newPeer.AccountID)
	assert.NotEqual(t, oldPeer.ID, newPeer.ID)

	_, err = h.records.GetPeerByID(ctx, oldPeer.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	var removed models.PeerInfo
	oldAccount.Single(t, events.KindPeerRemoved, &removed)
	assert.Equal(t, d.fingerprint, removed.Fingerprint)

	_, err = h.tokens.Authenticate(ctx, first.AuthToken)
	requireKind(t, err, apperr.KindSecurity, "")
}

func TestRelinkSameAccountNeedsNoPin(t *testing.T) {
	ctx := context.Background()
	h := newTestService(t)
	d := newDevice(t)

	first := h.link(t, d, "a@b.com")
	mails := h.mailer.count()

	resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
		AccountID:   strp(first.AccountID),
		Fingerprint: d.fingerprint,
	}))
	require.NoError(t, err)
	assert.False(t, resp.RequiresVerification)
	assert.False(t, resp.IsAccountChange)
	assert.Equal(t, mails, h.mailer.count())

	out, err := h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID})
	require.NoError(t, err)

	a, err := h.tokens.Verify(first.AuthToken)
	require.NoError(t, err)
	b, err := h.tokens.Verify(out.AuthToken)
	require.NoError(t, err)
	assert.Equal(t, a.PeerID, b.PeerID)

	t.Run("expires after the short ttl", func(t *testing.T) {
		resp, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
			AccountID:   strp(first.AccountID),
			Fingerprint: d.fingerprint,
		}))
		require.NoError(t, err)
		h.now = h.now.Add(PendingTTL + time.Second)
		_, err = h.svc.VerifyLink(ctx, VerifyRequest{RequestID: resp.RequestID})
		requireKind(t, err, apperr.KindValidation, "requestId")
	})
}

func TestRequestLinkRejects(t *testing.T) {
	ctx := context.Background()
	h := newTestService(t)
	d := newDevice(t)
	other := newDevice(t)

	valid := func() SignedPayload {
		return SignedPayload{Email: strp("a@b.com"), Fingerprint: d.fingerprint, PeerInfo: d.info("laptop")}
	}

	linked := newDevice(t)
	owner := h.link(t, linked, "owner@b.com")
	otherAccount, err := h.records.GetOrCreateAccount(ctx, "other@b.com")
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   func() LinkRequest
		kind  apperr.Kind
		field string
	}{
		{
			name: "expired envelope",
			req: func() LinkRequest {
				r := h.envelope(t, d, valid())
				r.ExpireAt = h.now.Add(-time.Second).UnixMilli()
				return r
			},
			kind: apperr.KindSecurity,
		},
		{
			name: "expiry too far ahead",
			req: func() LinkRequest {
				r := h.envelope(t, d, valid())
				r.ExpireAt = h.now.Add(48 * time.Hour).UnixMilli()
				return r
			},
			kind: apperr.KindValidation, field: "expireAt",
		},
		{
			name: "short nonce",
			req: func() LinkRequest {
				r := h.envelope(t, d, valid())
				r.Nonce = "abc"
				return r
			},
			kind: apperr.KindValidation, field: "nonce",
		},
		{
			name: "tampered data",
			req: func() LinkRequest {
				r := h.envelope(t, d, valid())
				r.Data = strings.Replace(r.Data, "a@b.com", "evil@b.com", 1)
				return r
			},
			kind: apperr.KindSecurity,
		},
		{
			name: "key substitution",
			req: func() LinkRequest {
				p := valid()
				p.Fingerprint = other.fingerprint
				p.PeerInfo = other.info("laptop")
				return h.envelope(t, d, p)
			},
			kind: apperr.KindSecurity,
		},
		{
			name: "malformed data",
			req: func() LinkRequest {
				r := h.envelope(t, d, valid())
				r.Data = "not json"
				r.Signature, _ = signing.Sign(r.Data, d.key)
				return r
			},
			kind: apperr.KindValidation, field: "data",
		},
		{
			name: "peerInfo fingerprint mismatch",
			req: func() LinkRequest {
				p := valid()
				p.PeerInfo = other.info("laptop")
				return h.envelope(t, d, p)
			},
			kind: apperr.KindValidation, field: "peerInfo.fingerprint",
		},
		{
			name: "no account",
			req: func() LinkRequest {
				p := valid()
				p.Email = nil
				return h.envelope(t, d, p)
			},
			kind: apperr.KindValidation, field: "accountId",
		},
		{
			name: "unknown account",
			req: func() LinkRequest {
				p := valid()
				p.Email = nil
				p.AccountID = strp(uuid.NewString())
				return h.envelope(t, d, p)
			},
			kind: apperr.KindValidation, field: "accountId",
		},
		{
			name: "new peer without peerInfo",
			req: func() LinkRequest {
				p := valid()
				p.PeerInfo = nil
				return h.envelope(t, d, p)
			},
			kind: apperr.KindValidation, field: "peerInfo",
		},
		{
			name: "invalid peerInfo",
			req: func() LinkRequest {
				p := valid()
				p.PeerInfo.DeviceInfo.OS = "plan9"
				return h.envelope(t, d, p)
			},
			kind: apperr.KindValidation, field: "peerInfo.deviceInfo.os",
		},
		{
			name: "account change without email",
			req: func() LinkRequest {
				return h.envelope(t, linked, SignedPayload{
					AccountID:   strp(otherAccount.ID),
					Fingerprint: linked.fingerprint,
					PeerInfo:    linked.info("laptop"),
				})
			},
			kind: apperr.KindValidation, field: "email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RequestLink(ctx, tt.req())
			requireKind(t, err, tt.kind, tt.field)
		})
	}

	t.Run("nonce replay", func(t *testing.T) {
		r := h.envelope(t, d, valid())
		_, err := h.svc.RequestLink(ctx, r)
		require.NoError(t, err)
		_, err = h.svc.RequestLink(ctx, r)
		requireKind(t, err, apperr.KindSecurity, "")
	})

	t.Run("existing link untouched", func(t *testing.T) {
		peer, err := h.records.GetPeerByFingerprint(ctx, linked.fingerprint)
		require.NoError(t, err)
		assert.Equal(t, owner.AccountID, peer.AccountID)
	})
}

func TestRequestLinkMailFailure(t *testing.T) {
	ctx := context.Background()
	h := newTestService(t)
	d := newDevice(t)
	h.mailer.err = errors.New("smtp down")

	_, err := h.svc.RequestLink(ctx, h.envelope(t, d, SignedPayload{
		Email:       strp("a@b.com"),
		Fingerprint: d.fingerprint,
		PeerInfo:    d.info("laptop"),
	}))
	requireKind(t, err, apperr.KindGeneric, "")
}
