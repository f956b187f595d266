package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xelth-com/peerlinkgo/internal/config"
)

func TestIsEmbedded(t *testing.T) {
	assert.True(t, IsEmbedded(config.DatabaseConfig{Host: "localhost"}))
	assert.False(t, IsEmbedded(config.DatabaseConfig{Host: "localhost", Password: "pw"}))
	assert.False(t, IsEmbedded(config.DatabaseConfig{Host: "db.internal"}))
}

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(config.DatabaseConfig{
		Host:     "db",
		Port:     "5432",
		Username: "u",
		Password: "p",
		Database: "peerlink",
	})
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=peerlink sslmode=disable", dsn)
}
