package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/bus"
)

type fakePeers struct {
	mu     sync.Mutex
	exists map[string]bool
	calls  atomic.Int32
	err    error
	gate   chan struct{}
}

func (f *fakePeers) PeerExists(_ context.Context, id string) (bool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[id], f.err
}

func (f *fakePeers) set(id string, ok bool) {
	f.mu.Lock()
	f.exists[id] = ok
	f.mu.Unlock()
}

func newTestService(t *testing.T, now func() time.Time) (*Service, *fakePeers, bus.Bus) {
	t.Helper()
	b := bus.NewMemory(bus.WithNow(now))
	peers := &fakePeers{exists: map[string]bool{}}
	return NewService("test-secret", b, peers, WithNow(now), WithExistsTTL(time.Minute)), peers, b
}

func TestIssueVerify(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _, _ := newTestService(t, clock)

	token, exp, err := s.Issue("acc-1", "peer-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(60*24*time.Hour), exp)

	id, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &Identity{AccountID: "acc-1", PeerID: "peer-1"}, id)

	t.Run("expired", func(t *testing.T) {
		later := NewService("test-secret", bus.NewMemory(), &fakePeers{},
			WithNow(func() time.Time { return now.Add(61 * 24 * time.Hour) }))
		_, err := later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("other-secret", bus.NewMemory(), &fakePeers{}, WithNow(clock))
		_, err := other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := s.Verify("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing peer id", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			AccountID:        "acc-1",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = s.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("algorithm none rejected", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			AccountID: "acc-1", PeerID: "peer-1",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	t.Run("existing peer", func(t *testing.T) {
		s, peers, _ := newTestService(t, clock)
		peers.set("peer-1", true)
		token, _, err := s.Issue("acc-1", "peer-1")
		require.NoError(t, err)

		id, err := s.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "peer-1", id.PeerID)

		_, err = s.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, int32(1), peers.calls.Load(), "second call is served from the cache")
	})

	t.Run("bad token is a security error", func(t *testing.T) {
		s, _, _ := newTestService(t, clock)
		_, err := s.Authenticate(ctx, "garbage")
		require.Error(t, err)
		assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("removed peer is rejected", func(t *testing.T) {
		s, _, _ := newTestService(t, clock)
		token, _, err := s.Issue("acc-1", "gone")
		require.NoError(t, err)
		_, err = s.Authenticate(ctx, token)
		require.Error(t, err)
		assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	})

	t.Run("revoke takes effect before the cache expires", func(t *testing.T) {
		s, peers, _ := newTestService(t, clock)
		peers.set("peer-1", true)
		token, _, err := s.Issue("acc-1", "peer-1")
		require.NoError(t, err)
		_, err = s.Authenticate(ctx, token)
		require.NoError(t, err)

		peers.set("peer-1", false)
		require.NoError(t, s.Revoke(ctx, "peer-1"))

		_, err = s.Authenticate(ctx, token)
		assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	})

	t.Run("cached answer expires", func(t *testing.T) {
		s, peers, _ := newTestService(t, clock)
		peers.set("peer-1", true)
		token, _, err := s.Issue("acc-1", "peer-1")
		require.NoError(t, err)
		_, err = s.Authenticate(ctx, token)
		require.NoError(t, err)

		peers.set("peer-1", false)
		advance(2 * time.Minute)

		_, err = s.Authenticate(ctx, token)
		assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
		assert.Equal(t, int32(2), peers.calls.Load())
	})

	t.Run("store failure is generic", func(t *testing.T) {
		s, peers, _ := newTestService(t, clock)
		peers.err = errors.New("db down")
		token, _, err := s.Issue("acc-1", "peer-1")
		require.NoError(t, err)
		_, err = s.Authenticate(ctx, token)
		require.Error(t, err)
		assert.Equal(t, apperr.KindGeneric, apperr.KindOf(err))
	})
}

func TestPeerExistsCachedDeduplicates(t *testing.T) {
	ctx := context.Background()
	s, peers, _ := newTestService(t, time.Now)
	peers.set("peer-1", true)
	peers.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.PeerExistsCached(ctx, "peer-1")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}

	// Let the goroutines pile up on the in-flight lookup.
	require.Eventually(t, func() bool { return peers.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(peers.gate)
	wg.Wait()

	assert.LessOrEqual(t, peers.calls.Load(), int32(2))
}
