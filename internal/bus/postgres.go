package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/peerlinkgo/internal/models"
)

const (
	// notifyChannel carries every topic; the topic travels inside the payload.
	notifyChannel = "peerlink_bus"

	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxNotifyPayload = 7999

	listenBackoffMin = time.Second
	listenBackoffMax = 30 * time.Second
)

// ErrPayloadTooLarge is returned when an event does not fit in one NOTIFY.
var ErrPayloadTooLarge = errors.New("bus payload too large for postgres notify")

type notifyEnvelope struct {
	Topic   string `json:"t"`
	Payload []byte `json:"p"`
}

// PostgresBus keeps entries in the bus_entries table and fans events out
// through LISTEN/NOTIFY, so several server processes share one bus.
type PostgresBus struct {
	db     *gorm.DB
	dsn    string
	events *dispatcher
	logger *slog.Logger
	now    func() time.Time

	reaper *expiryReaper
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenPostgres migrates the entry table, connects the listener and starts the
// expiry reaper. db is used for key operations and publishing; dsn opens the
// dedicated LISTEN connection.
func OpenPostgres(ctx context.Context, db *gorm.DB, dsn string, opts ...Option) (*PostgresBus, error) {
	o := newOptions(opts)

	if err := db.WithContext(ctx).AutoMigrate(&models.BusEntry{}); err != nil {
		return nil, fmt.Errorf("migrating bus entries: %w", err)
	}

	b := &PostgresBus{
		db:     db,
		dsn:    dsn,
		events: newDispatcher(),
		logger: o.logger.With("component", "bus", "backend", "postgres"),
		now:    o.now,
	}
	b.reaper = newExpiryReaper("postgres", o.reapInterval, b.logger, b.reapExpired)

	// The first connection is made synchronously so a bad DSN fails startup.
	conn, err := b.connectListener(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.listen(runCtx, conn)
	}()

	if o.reapInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.reaper.Run(runCtx)
		}()
	}

	b.logger.Info("bus connected", "channel", notifyChannel)
	return b, nil
}

func (b *PostgresBus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e models.BusEntry
	err := b.db.WithContext(ctx).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, b.now()).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bus get %s: %w", key, err)
	}
	return e.Value, true, nil
}

func (b *PostgresBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := b.entry(key, value, ttl)
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("bus set %s: %w", key, err)
	}
	return nil
}

// SetNX inserts the row, or overwrites it only when the existing row has
// expired. The conditional upsert is a single statement, so two processes
// racing on the same key cannot both succeed.
func (b *PostgresBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	e := b.entry(key, value, ttl)
	res := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "bus_entries.expires_at IS NOT NULL AND bus_entries.expires_at <= ?",
				Vars: []any{b.now()},
			},
		}},
	}).Create(&e)
	if res.Error != nil {
		return false, fmt.Errorf("bus setnx %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (b *PostgresBus) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	var rows []models.BusEntry
	err := b.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("key = ?", key).
		Delete(&rows).Error
	if err != nil {
		return nil, false, fmt.Errorf("bus getdel %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if rows[0].ExpiresAt != nil && !b.now().Before(*rows[0].ExpiresAt) {
		return nil, false, nil
	}
	return rows[0].Value, true, nil
}

func (b *PostgresBus) Delete(ctx context.Context, key string) error {
	err := b.db.WithContext(ctx).Where("key = ?", key).Delete(&models.BusEntry{}).Error
	if err != nil {
		return fmt.Errorf("bus delete %s: %w", key, err)
	}
	return nil
}

func (b *PostgresBus) Publish(ctx context.Context, topic string, payload []byte) error {
	env, err := json.Marshal(notifyEnvelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding notify envelope: %w", err)
	}
	if len(env) > maxNotifyPayload {
		return fmt.Errorf("%w: topic %s, %d bytes", ErrPayloadTooLarge, topic, len(env))
	}
	if err := b.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", notifyChannel, string(env)).Error; err != nil {
		return fmt.Errorf("bus publish %s: %w", topic, err)
	}
	return nil
}

func (b *PostgresBus) Subscribe(_ context.Context, topic string, h Handler) (*Subscription, error) {
	return b.events.add(topic, h), nil
}

func (b *PostgresBus) Unsubscribe(_ context.Context, sub *Subscription) error {
	b.events.remove(sub)
	return nil
}

// ReapNow runs a single sweep immediately and returns how many rows it
// removed.
func (b *PostgresBus) ReapNow(ctx context.Context) int {
	return b.reaper.ReapNow(ctx)
}

func (b *PostgresBus) reapExpired(ctx context.Context) (int, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", b.now()).
		Delete(&models.BusEntry{})
	return int(res.RowsAffected), res.Error
}

// Close stops the listener and the reaper. The gorm connection belongs to
// the caller and stays open.
func (b *PostgresBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *PostgresBus) entry(key string, value []byte, ttl time.Duration) models.BusEntry {
	e := models.BusEntry{Key: key, Value: value}
	if e.Value == nil {
		e.Value = []byte{}
	}
	if exp := expiryFor(b.now(), ttl); !exp.IsZero() {
		e.ExpiresAt = &exp
	}
	return e
}

func (b *PostgresBus) connectListener(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting bus listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listening on %s: %w", notifyChannel, err)
	}
	return conn, nil
}

// listen delivers notifications to local handlers until ctx is cancelled,
// reconnecting with backoff when the connection drops. Notifications sent
// while disconnected are lost.
func (b *PostgresBus) listen(ctx context.Context, conn *pgx.Conn) {
	backoff := listenBackoffMin
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			c, err := b.connectListener(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("bus listener reconnect failed", "error", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, listenBackoffMax)
				continue
			}
			b.logger.Info("bus listener reconnected")
			conn = c
			backoff = listenBackoffMin
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("bus listener lost connection", "error", err)
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}

		var env notifyEnvelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			b.logger.Warn("dropping malformed notification", "error", err)
			continue
		}
		b.events.dispatch(env.Topic, env.Payload)
	}
}
