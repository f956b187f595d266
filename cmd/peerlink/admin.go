package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/database"
	"github.com/xelth-com/peerlinkgo/internal/models"
	"github.com/xelth-com/peerlinkgo/internal/signing"
	"github.com/xelth-com/peerlinkgo/internal/store"
)

// MigrateCmd creates the record tables, and the bus table when the bus is
// backed by Postgres.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(a *app) error {
	db, err := database.Connect(a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		return err
	}
	if a.cfg.Bus.Backend == bus.BackendPostgres {
		if err := db.AutoMigrate(&models.BusEntry{}); err != nil {
			return fmt.Errorf("migrating bus entries: %w", err)
		}
	}
	a.logger.Info("schema synchronized")
	return nil
}

// FingerprintCmd prints the identity a device with this key links as.
type FingerprintCmd struct {
	Key string `arg:"" type:"existingfile" help:"PEM encoded public key."`
}

func (c *FingerprintCmd) Run() error {
	pem, err := os.ReadFile(c.Key)
	if err != nil {
		return err
	}
	fp, err := signing.Fingerprint(string(pem))
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	fmt.Println(fp)
	return nil
}

// TokenCmd issues a token for a linked peer, for operators and smoke tests.
type TokenCmd struct {
	Fingerprint string `arg:"" help:"Fingerprint of the peer."`
}

func (c *TokenCmd) Run(a *app) error {
	db, err := database.Connect(a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	records := store.NewGormStore(db.DB)
	peer, err := records.GetPeerByFingerprint(context.Background(), c.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no peer with fingerprint %s", c.Fingerprint)
	}
	if err != nil {
		return err
	}

	b := bus.NewMemory()
	defer b.Close()
	token, expires, err := auth.NewService(a.cfg.SecretKey, b, records).Issue(peer.AccountID, peer.ID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "peer %s (%s), expires %s\n", peer.ID, peer.DeviceName, expires.Format(time.RFC3339))
	return nil
}
