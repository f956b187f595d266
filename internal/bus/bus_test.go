package bus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// clock is a settable time source shared by a test and the bus under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, c *clock) Bus

func newTestBoltBus(t *testing.T, c *clock) *BoltBus {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "bus.db"), WithNow(c.Now), WithReapInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func backends(t *testing.T) map[string]factory {
	t.Helper()
	m := map[string]factory{
		"memory": func(t *testing.T, c *clock) Bus {
			return NewMemory(WithNow(c.Now))
		},
		"bolt": func(t *testing.T, c *clock) Bus {
			return newTestBoltBus(t, c)
		},
	}
	if dsn := os.Getenv("PEERLINK_TEST_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T, c *clock) Bus {
			return newTestPostgresBus(t, dsn, c)
		}
	}
	return m
}

func newTestPostgresBus(t *testing.T, dsn string, c *clock) *PostgresBus {
	t.Helper()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Exec("DROP TABLE IF EXISTS bus_entries").Error)

	b, err := OpenPostgres(context.Background(), db, dsn, WithNow(c.Now), WithReapInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return b
}

func TestBusKeyValue(t *testing.T) {
	ctx := context.Background()

	for name, newBus := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing key", func(t *testing.T) {
				b := newBus(t, newClock())
				v, ok, err := b.Get(ctx, "nope")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Nil(t, v)
			})

			t.Run("set then get", func(t *testing.T) {
				b := newBus(t, newClock())
				require.NoError(t, b.Set(ctx, "k", []byte("v1"), 0))
				v, ok, err := b.Get(ctx, "k")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("v1"), v)

				require.NoError(t, b.Set(ctx, "k", []byte("v2"), time.Minute))
				v, ok, err = b.Get(ctx, "k")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("v2"), v)
			})

			t.Run("entries expire lazily", func(t *testing.T) {
				c := newClock()
				b := newBus(t, c)
				require.NoError(t, b.Set(ctx, "ttl", []byte("x"), 2*time.Minute))
				require.NoError(t, b.Set(ctx, "forever", []byte("y"), 0))

				c.Advance(time.Minute)
				_, ok, err := b.Get(ctx, "ttl")
				require.NoError(t, err)
				assert.True(t, ok)

				c.Advance(time.Minute)
				_, ok, err = b.Get(ctx, "ttl")
				require.NoError(t, err)
				assert.False(t, ok, "entry must be gone at its expiry instant")

				c.Advance(24 * time.Hour)
				_, ok, err = b.Get(ctx, "forever")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("delete", func(t *testing.T) {
				b := newBus(t, newClock())
				require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
				require.NoError(t, b.Delete(ctx, "k"))
				require.NoError(t, b.Delete(ctx, "k"))
				_, ok, err := b.Get(ctx, "k")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("setnx only when absent or expired", func(t *testing.T) {
				c := newClock()
				b := newBus(t, c)

				ok, err := b.SetNX(ctx, "flag", []byte("a"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = b.SetNX(ctx, "flag", []byte("b"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				v, _, err := b.Get(ctx, "flag")
				require.NoError(t, err)
				assert.Equal(t, []byte("a"), v)

				c.Advance(2 * time.Minute)
				ok, err = b.SetNX(ctx, "flag", []byte("c"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok, "expired key counts as absent")

				v, _, err = b.Get(ctx, "flag")
				require.NoError(t, err)
				assert.Equal(t, []byte("c"), v)
			})

			t.Run("getdel consumes once", func(t *testing.T) {
				b := newBus(t, newClock())
				require.NoError(t, b.Set(ctx, "once", []byte("v"), time.Minute))

				v, ok, err := b.GetDel(ctx, "once")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("v"), v)

				_, ok, err = b.GetDel(ctx, "once")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("getdel ignores expired value", func(t *testing.T) {
				c := newClock()
				b := newBus(t, c)
				require.NoError(t, b.Set(ctx, "old", []byte("v"), time.Minute))
				c.Advance(time.Hour)
				_, ok, err := b.GetDel(ctx, "old")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("concurrent setnx has one winner", func(t *testing.T) {
				b := newBus(t, newClock())
				var wins atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						ok, err := b.SetNX(ctx, "race", []byte(fmt.Sprint(i)), time.Minute)
						assert.NoError(t, err)
						if ok {
							wins.Add(1)
						}
					}(i)
				}
				wg.Wait()
				assert.Equal(t, int32(1), wins.Load())
			})
		})
	}
}

func TestBusPubSub(t *testing.T) {
	ctx := context.Background()

	for name, newBus := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("delivers in order to every subscriber", func(t *testing.T) {
				b := newBus(t, newClock())

				var mu sync.Mutex
				var got1, got2 []string
				done := make(chan struct{}, 6)

				_, err := b.Subscribe(ctx, "topic", func(p []byte) {
					mu.Lock()
					got1 = append(got1, string(p))
					mu.Unlock()
					done <- struct{}{}
				})
				require.NoError(t, err)
				_, err = b.Subscribe(ctx, "topic", func(p []byte) {
					mu.Lock()
					got2 = append(got2, string(p))
					mu.Unlock()
					done <- struct{}{}
				})
				require.NoError(t, err)

				for _, m := range []string{"1", "2", "3"} {
					require.NoError(t, b.Publish(ctx, "topic", []byte(m)))
				}
				waitN(t, done, 6)

				mu.Lock()
				defer mu.Unlock()
				assert.Equal(t, []string{"1", "2", "3"}, got1)
				assert.Equal(t, []string{"1", "2", "3"}, got2)
			})

			t.Run("unsubscribe stops delivery", func(t *testing.T) {
				b := newBus(t, newClock())

				var removed, kept atomic.Int32
				done := make(chan struct{}, 4)
				sub, err := b.Subscribe(ctx, "topic", func([]byte) { removed.Add(1) })
				require.NoError(t, err)
				_, err = b.Subscribe(ctx, "topic", func([]byte) {
					kept.Add(1)
					done <- struct{}{}
				})
				require.NoError(t, err)
				assert.Equal(t, "topic", sub.Topic())

				require.NoError(t, b.Unsubscribe(ctx, sub))
				require.NoError(t, b.Publish(ctx, "topic", []byte("x")))
				waitN(t, done, 1)

				assert.Equal(t, int32(0), removed.Load())
				assert.Equal(t, int32(1), kept.Load())
			})

			t.Run("topics are isolated", func(t *testing.T) {
				b := newBus(t, newClock())

				var other atomic.Int32
				done := make(chan struct{}, 1)
				_, err := b.Subscribe(ctx, "a", func([]byte) { done <- struct{}{} })
				require.NoError(t, err)
				_, err = b.Subscribe(ctx, "b", func([]byte) { other.Add(1) })
				require.NoError(t, err)

				require.NoError(t, b.Publish(ctx, "a", []byte("x")))
				waitN(t, done, 1)
				assert.Equal(t, int32(0), other.Load())
			})
		})
	}
}

func TestDispatcherAllowsUnsubscribeFromHandler(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	var calls int
	var sub *Subscription
	sub, err := b.Subscribe(ctx, "t", func([]byte) {
		calls++
		require.NoError(t, b.Unsubscribe(ctx, sub))
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", nil))
	require.NoError(t, b.Publish(ctx, "t", nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.events.count("t"))
}

func TestMemoryBusClosed(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Close())

	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Set(ctx, "k", nil, 0), ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "t", nil), ErrClosed)
}

func TestBoltBusReaper(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	b := newTestBoltBus(t, c)

	require.NoError(t, b.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, b.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, b.Set(ctx, "forever", []byte("3"), 0))

	assert.Equal(t, 0, b.ReapNow(ctx))

	c.Advance(10 * time.Minute)
	assert.Equal(t, 1, b.ReapNow(ctx))

	_, ok, err := b.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = b.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoltBusSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bus.db")

	b, err := OpenBolt(path, WithReapInterval(0))
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path, WithReapInterval(0))
	require.NoError(t, err)
	defer b.Close()

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	type rec struct {
		A string `json:"a"`
		N int    `json:"n"`
	}

	require.NoError(t, SetJSON(ctx, b, "r", rec{A: "x", N: 1}, time.Minute))

	var got rec
	ok, err := GetJSON(ctx, b, "r", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec{A: "x", N: 1}, got)

	ok, err = SetNXJSON(ctx, b, "r", rec{A: "y"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got = rec{}
	ok, err = GetDelJSON(ctx, b, "r", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.A)

	ok, err = GetJSON(ctx, b, "r", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "bad", []byte("{"), 0))
	_, err = GetJSON(ctx, b, "bad", &got)
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory by default", func(t *testing.T) {
		b, err := New(ctx, Config{})
		require.NoError(t, err)
		ib, ok := b.(*InstrumentedBus)
		require.True(t, ok)
		assert.IsType(t, &MemoryBus{}, ib.bus)
		assert.Equal(t, BackendMemory, ib.backend)
	})

	t.Run("bolt", func(t *testing.T) {
		b, err := New(ctx, Config{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "b.db")})
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &BoltBus{}, b.(*InstrumentedBus).bus)
	})

	t.Run("bolt without path", func(t *testing.T) {
		_, err := New(ctx, Config{Backend: BackendBolt})
		assert.Error(t, err)
	})

	t.Run("postgres without db", func(t *testing.T) {
		_, err := New(ctx, Config{Backend: BackendPostgres})
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := New(ctx, Config{Backend: "redis"})
		assert.Error(t, err)
	})
}

func waitN(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}
