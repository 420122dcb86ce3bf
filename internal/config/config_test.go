package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.PubSub.Addr)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Empty(t, cfg.Scheduler.ReloadCron)
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "mongo", DSN: "x"}, PubSub: PubSubConfig{Addr: "x"}}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "sqlite", DSN: ""}, PubSub: PubSubConfig{Addr: "x"}}
	require.Error(t, cfg.Validate())
}

func TestValidate_AcceptsSaneConfig(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "postgres", DSN: "postgres://x"}, PubSub: PubSubConfig{Addr: "localhost:6379"}}
	require.NoError(t, cfg.Validate())
}
