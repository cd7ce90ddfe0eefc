package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Connection.PacketTimeout)
	assert.Equal(t, 10, cfg.Connection.MaxRetries)
	assert.Equal(t, 8, cfg.Connection.MaxInFlight)
	assert.Equal(t, uint64(1000), cfg.Congestion.StartAmount)
	assert.Equal(t, uint64(2000), cfg.Congestion.IncreaseFactorPermille)
	assert.Equal(t, uint64(500), cfg.Congestion.DecreaseFactorPermille)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero packet timeout", func(c *Config) { c.Connection.PacketTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Connection.MaxRetries = -1 }},
		{"zero in-flight", func(c *Config) { c.Connection.MaxInFlight = 0 }},
		{"zero frame size", func(c *Config) { c.Connection.MaxFrameDataSize = 0 }},
		{"zero start amount", func(c *Config) { c.Congestion.StartAmount = 0 }},
		{"non-increasing factor", func(c *Config) { c.Congestion.IncreaseFactorPermille = 1000 }},
		{"non-decreasing factor", func(c *Config) { c.Congestion.DecreaseFactorPermille = 1000 }},
		{"max below start", func(c *Config) { c.Congestion.MaxAmount = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
