package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, RewardsModeMock, cfg.Rewards.Mode)
	assert.Equal(t, 10*time.Second, cfg.Engine.IssueTimeout.Duration)
	assert.True(t, cfg.Features.SimulatorAPI)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": "9000"},
		"redis": {"addr": "localhost:6379", "ttl": "45s"},
		"engine": {"issue_timeout": 3, "timezone": "UTC"},
		"features": {"campaign_cache": false}
	}`), 0o600))

	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("ENGINE_STORE_TIMEOUT", "750ms")
	t.Setenv("FEATURE_DECISION_EVENTS", "0")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9100", cfg.Server.Port, "env beats file")
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Redis.TTL.Duration)
	assert.Equal(t, 3*time.Second, cfg.Engine.IssueTimeout.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.StoreTimeout.Duration)
	assert.False(t, cfg.Features.CampaignCache)
	assert.False(t, cfg.Features.DecisionEvents)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("RATE_LIMIT_RATE", "lots")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"missing db", func(c *Config) { c.Database.Path = "" }},
		{"tls without cert", func(c *Config) { c.Server.EnableTLS = true }},
		{"zero rate", func(c *Config) { c.RateLimit.Rate = 0 }},
		{"http without endpoint", func(c *Config) { c.Rewards.Mode = RewardsModeHTTP }},
		{"unknown mode", func(c *Config) { c.Rewards.Mode = "carrier-pigeon" }},
		{"zero issue timeout", func(c *Config) { c.Engine.IssueTimeout.Duration = 0 }},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
