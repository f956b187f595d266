package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xelth-com/peerlinkgo/internal/models"
)

// GormStore implements RecordStore on gorm. The connection must be opened
// with TranslateError so unique violations surface as ErrDuplicate.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// GetOrCreateAccount returns the account registered under email, creating
// it on first use. A concurrent creation of the same address is resolved by
// re-reading after the unique index rejects the second insert.
func (s *GormStore) GetOrCreateAccount(ctx context.Context, email string) (*models.Account, error) {
	email = NormalizeEmail(email)
	db := s.db.WithContext(ctx)

	var a models.Account
	err := db.Where("email = ?", email).Take(&a).Error
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	a = models.Account{Email: email}
	err = db.Create(&a).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		a = models.Account{}
		err = db.Where("email = ?", email).Take(&a).Error
	}
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) CreatePeer(ctx context.Context, accountID string, info models.PeerInfo) (*models.Peer, error) {
	p := models.NewPeer(accountID, info)
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("creating peer %s: %w", info.Fingerprint, translate(err))
	}
	return p, nil
}

func (s *GormStore) GetPeerByID(ctx context.Context, id string) (*models.Peer, error) {
	return s.takePeer(ctx, "id = ?", id)
}

func (s *GormStore) GetPeerByFingerprint(ctx context.Context, fingerprint string) (*models.Peer, error) {
	return s.takePeer(ctx, "fingerprint = ?", fingerprint)
}

func (s *GormStore) GetPeerForAccount(ctx context.Context, accountID, fingerprint string) (*models.Peer, error) {
	return s.takePeer(ctx, "account_id = ? AND fingerprint = ?", accountID, fingerprint)
}

func (s *GormStore) GetPeerFingerprint(ctx context.Context, id string) (string, error) {
	var fp string
	res := s.db.WithContext(ctx).Model(&models.Peer{}).Where("id = ?", id).Limit(1).Pluck("fingerprint", &fp)
	if res.Error != nil {
		return "", res.Error
	}
	if fp == "" {
		return "", ErrNotFound
	}
	return fp, nil
}

func (s *GormStore) GetPeersForAccount(ctx context.Context, accountID string) ([]models.Peer, error) {
	var peers []models.Peer
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at").
		Find(&peers).Error
	if err != nil {
		return nil, err
	}
	return peers, nil
}

func (s *GormStore) UpdatePeerInfo(ctx context.Context, id string, info models.PeerInfo) (*models.Peer, error) {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).Where("id = ?", id).Updates(map[string]any{
		"device_name": info.DeviceName,
		"version":     info.Version,
		"device_info": datatypes.NewJSONType(info.DeviceInfo),
		"icon_key":    info.IconKey,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetPeerByID(ctx, id)
}

func (s *GormStore) RemovePeerByID(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Peer{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) PeerExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Peer{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *GormStore) takePeer(ctx context.Context, query string, args ...any) (*models.Peer, error) {
	var p models.Peer
	if err := s.db.WithContext(ctx).Where(query, args...).Take(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}
