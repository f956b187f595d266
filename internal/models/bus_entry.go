package models

import "time"

// BusEntry is one key of the shared bus when it is backed by Postgres.
// A nil ExpiresAt never expires.
type BusEntry struct {
	Key       string     `gorm:"primaryKey;column:key"`
	Value     []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
}

// TableName specifies the table name for BusEntry
func (BusEntry) TableName() string {
	return "bus_entries"
}
