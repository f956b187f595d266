package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account groups the peers of one user.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type Account struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "accounts"
}

// BeforeCreate assigns an id when the caller did not.
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Peer is one registered device of an account, identified by the
// fingerprint of its public key. Peers are hard-deleted: re-linking a device
// to another account removes the row and creates a new one with a new id.
type Peer struct {
	ID          string                         `gorm:"primaryKey;size:36" json:"id"`
	AccountID   string                         `gorm:"index;not null;size:36" json:"accountId"`
	Fingerprint string                         `gorm:"uniqueIndex;not null" json:"fingerprint"`
	DeviceName  string                         `gorm:"not null" json:"deviceName"`
	Version     string                         `gorm:"size:64" json:"version"`
	DeviceInfo  datatypes.JSONType[DeviceInfo] `json:"deviceInfo"`
	IconKey     *string                        `json:"iconKey"`
	CreatedAt   time.Time                      `json:"createdAt"`
	UpdatedAt   time.Time                      `json:"updatedAt"`
}

// TableName specifies the table name for Peer
func (Peer) TableName() string {
	return "peers"
}

// BeforeCreate assigns an id when the caller did not.
func (p *Peer) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Info returns the public description of the peer sent to other peers.
func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		DeviceName:  p.DeviceName,
		Fingerprint: p.Fingerprint,
		Version:     p.Version,
		DeviceInfo:  p.DeviceInfo.Data(),
		IconKey:     p.IconKey,
	}
}

// NewPeer builds an unsaved peer for accountID from info.
func NewPeer(accountID string, info PeerInfo) *Peer {
	return &Peer{
		AccountID:   accountID,
		Fingerprint: info.Fingerprint,
		DeviceName:  info.DeviceName,
		Version:     info.Version,
		DeviceInfo:  datatypes.NewJSONType(info.DeviceInfo),
		IconKey:     info.IconKey,
	}
}
