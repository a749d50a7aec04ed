package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "memory", cfg.OfflineQueue.Backend)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	cfg, err := Load([]string{"--http-address", ":9090", "--environment", "production"})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_RejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--not-a-real-flag"})
	assert.Error(t, err)
}
