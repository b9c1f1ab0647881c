package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_S", "2")
	t.Setenv("TTFB_YELLOW_MS", "750")
	t.Setenv("RATIO_YELLOW", "1.1")
	t.Setenv("HISTORY_RETENTION", "10")
	t.Setenv("THUMBNAILS_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 750.0, cfg.TTFBYellowMs)
	assert.Equal(t, 1.1, cfg.RatioYellow)
	assert.Equal(t, 10, cfg.HistoryRetention)
	assert.False(t, cfg.ThumbnailsEnabled)
	// Untouched keys keep defaults.
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"long window shorter than short", func(c *Config) { c.WindowLong = c.WindowShort / 2 }},
		{"err rate above one", func(c *Config) { c.RedErrRate = 1.5 }},
		{"zero consecutive errors", func(c *Config) { c.RedConsecutiveErrors = 0 }},
		{"tiny timeline cap", func(c *Config) { c.TimelineMaxEvents = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRingCapacityCoversLongWindow(t *testing.T) {
	cfg := Default()
	// 3600s at 10s cadence, two samples per tick, plus headroom.
	assert.GreaterOrEqual(t, cfg.RingCapacity(), 720)

	cfg.WindowLong = 30 * time.Second
	cfg.PollInterval = 10 * time.Second
	assert.GreaterOrEqual(t, cfg.RingCapacity(), 360)
}
