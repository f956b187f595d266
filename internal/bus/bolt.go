package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("bus_entries")

// boltEntry is the stored form of a value. ExpiresAt is unix nanoseconds,
// zero for no expiry.
type boltEntry struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

func (e boltEntry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// BoltBus stores entries in a bbolt file and dispatches events in process.
// Entries survive a restart of the node; events do not.
type BoltBus struct {
	db     *bbolt.DB
	events *dispatcher
	logger *slog.Logger
	now    func() time.Time

	reaper *expiryReaper
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string, opts ...Option) (*BoltBus, error) {
	o := newOptions(opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating bus directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bus database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
	}

	b := &BoltBus{
		db:     db,
		events: newDispatcher(),
		logger: o.logger.With("component", "bus", "backend", "bolt"),
		now:    o.now,
	}
	b.reaper = newExpiryReaper("bolt", o.reapInterval, b.logger, b.reapExpired)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	if o.reapInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.reaper.Run(ctx)
		}()
	}

	b.logger.Debug("opened bus", "path", path)
	return b, nil
}

func (b *BoltBus) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		e, err := decodeBoltEntry(raw)
		if err != nil {
			return err
		}
		if e.expired(b.now()) {
			return nil
		}
		out, found = e.Value, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bus get %s: %w", key, err)
	}
	return out, found, nil
}

func (b *BoltBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	raw, err := b.encode(value, ttl)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("bus set %s: %w", key, err)
	}
	return nil
}

func (b *BoltBus) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	raw, err := b.encode(value, ttl)
	if err != nil {
		return false, err
	}
	var stored bool
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if cur := bucket.Get([]byte(key)); cur != nil {
			e, err := decodeBoltEntry(cur)
			if err == nil && !e.expired(b.now()) {
				return nil
			}
		}
		stored = true
		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return false, fmt.Errorf("bus setnx %s: %w", key, err)
	}
	return stored, nil
}

func (b *BoltBus) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		e, err := decodeBoltEntry(raw)
		if err != nil {
			return err
		}
		if !e.expired(b.now()) {
			out, found = e.Value, true
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return nil, false, fmt.Errorf("bus getdel %s: %w", key, err)
	}
	return out, found, nil
}

func (b *BoltBus) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bus delete %s: %w", key, err)
	}
	return nil
}

func (b *BoltBus) Publish(_ context.Context, topic string, payload []byte) error {
	n := b.events.dispatch(topic, payload)
	b.logger.Debug("published", "topic", topic, "handlers", n)
	return nil
}

func (b *BoltBus) Subscribe(_ context.Context, topic string, h Handler) (*Subscription, error) {
	return b.events.add(topic, h), nil
}

func (b *BoltBus) Unsubscribe(_ context.Context, sub *Subscription) error {
	b.events.remove(sub)
	return nil
}

// ReapNow runs a single sweep immediately and returns how many entries it
// removed.
func (b *BoltBus) ReapNow(ctx context.Context) int {
	return b.reaper.ReapNow(ctx)
}

func (b *BoltBus) reapExpired(_ context.Context) (int, error) {
	now := b.now()
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var keys [][]byte
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeBoltEntry(v)
			if err != nil || e.expired(now) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		bucket := tx.Bucket(bucketEntries)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Close stops the reaper and closes the file.
func (b *BoltBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.db.Close()
}

func (b *BoltBus) encode(value []byte, ttl time.Duration) ([]byte, error) {
	e := boltEntry{Value: value}
	if exp := expiryFor(b.now(), ttl); !exp.IsZero() {
		e.ExpiresAt = exp.UnixNano()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding bus entry: %w", err)
	}
	return raw, nil
}

func decodeBoltEntry(raw []byte) (boltEntry, error) {
	var e boltEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return boltEntry{}, fmt.Errorf("decoding bus entry: %w", err)
	}
	return e, nil
}
