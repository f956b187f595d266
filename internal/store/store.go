// Package store persists accounts and peers.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/xelth-com/peerlinkgo/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique index (account email, peer
	// fingerprint) rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// RecordStore is the account and peer persistence used by the protocol
// packages.
type RecordStore interface {
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	GetOrCreateAccount(ctx context.Context, email string) (*models.Account, error)

	CreatePeer(ctx context.Context, accountID string, info models.PeerInfo) (*models.Peer, error)
	GetPeerByID(ctx context.Context, id string) (*models.Peer, error)
	GetPeerByFingerprint(ctx context.Context, fingerprint string) (*models.Peer, error)
	GetPeerForAccount(ctx context.Context, accountID, fingerprint string) (*models.Peer, error)
	GetPeerFingerprint(ctx context.Context, id string) (string, error)
	GetPeersForAccount(ctx context.Context, accountID string) ([]models.Peer, error)
	// UpdatePeerInfo replaces the descriptive fields of a peer. The
	// fingerprint and account never change.
	UpdatePeerInfo(ctx context.Context, id string, info models.PeerInfo) (*models.Peer, error)
	RemovePeerByID(ctx context.Context, id string) error
	PeerExists(ctx context.Context, id string) (bool, error)
}

// Migrate creates or updates the account and peer tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Account{}, &models.Peer{}); err != nil {
		return fmt.Errorf("migrating records: %w", err)
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address so the unique index
// compares addresses the way users expect.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
