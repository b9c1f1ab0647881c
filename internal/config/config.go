// Package config holds the observation pipeline configuration. Values are
// read from the environment with the documented defaults; the zero value
// is not usable, call Load or Default.
package config

import (
	"fmt"
	"time"

	"github.com/streamops/lookout/pkg/config"
)

// Config carries every tunable of the pipeline.
type Config struct {
	PollInterval time.Duration
	ProbeTimeout time.Duration
	WindowShort  time.Duration
	WindowLong   time.Duration

	TTFBYellowMs         float64
	RatioYellow          float64
	RedConsecutiveErrors int
	RedErrRate           float64

	YellowPersistence time.Duration
	ResolveHold       time.Duration

	ThumbnailEveryK   int
	HistoryRetention  int
	TimelineMaxEvents int
	StopGrace         time.Duration

	StreamsFile       string
	ThumbnailsEnabled bool
	ThumbnailsDir     string
	ThumbnailMaxAge   time.Duration
	FFmpegPath        string
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		PollInterval:         10 * time.Second,
		ProbeTimeout:         5 * time.Second,
		WindowShort:          120 * time.Second,
		WindowLong:           3600 * time.Second,
		TTFBYellowMs:         500,
		RatioYellow:          0.9,
		RedConsecutiveErrors: 3,
		RedErrRate:           0.5,
		YellowPersistence:    60 * time.Second,
		ResolveHold:          30 * time.Second,
		ThumbnailEveryK:      3,
		HistoryRetention:     50,
		TimelineMaxEvents:    500,
		StopGrace:            10 * time.Second,
		StreamsFile:          "./data/streams.json",
		ThumbnailsEnabled:    true,
		ThumbnailsDir:        "./data/thumbnails",
		ThumbnailMaxAge:      24 * time.Hour,
		FFmpegPath:           "ffmpeg",
	}
}

// Load reads the configuration from the environment on top of defaults.
func Load() Config {
	d := Default()
	return Config{
		PollInterval:         secs("POLL_INTERVAL_S", d.PollInterval),
		ProbeTimeout:         secs("PROBE_TIMEOUT_S", d.ProbeTimeout),
		WindowShort:          secs("WINDOW_SHORT_S", d.WindowShort),
		WindowLong:           secs("WINDOW_LONG_S", d.WindowLong),
		TTFBYellowMs:         config.GetEnvFloat("TTFB_YELLOW_MS", d.TTFBYellowMs),
		RatioYellow:          config.GetEnvFloat("RATIO_YELLOW", d.RatioYellow),
		RedConsecutiveErrors: config.GetEnvInt("RED_CONSECUTIVE_ERRORS", d.RedConsecutiveErrors),
		RedErrRate:           config.GetEnvFloat("RED_ERR_RATE", d.RedErrRate),
		YellowPersistence:    secs("YELLOW_PERSISTENCE_S", d.YellowPersistence),
		ResolveHold:          secs("RESOLVE_HOLD_S", d.ResolveHold),
		ThumbnailEveryK:      config.GetEnvInt("THUMBNAIL_EVERY_K", d.ThumbnailEveryK),
		HistoryRetention:     config.GetEnvInt("HISTORY_RETENTION", d.HistoryRetention),
		TimelineMaxEvents:    config.GetEnvInt("TIMELINE_MAX_EVENTS", d.TimelineMaxEvents),
		StopGrace:            secs("STOP_GRACE_S", d.StopGrace),
		StreamsFile:          config.GetEnv("STREAMS_FILE", d.StreamsFile),
		ThumbnailsEnabled:    config.GetEnvBool("THUMBNAILS_ENABLED", d.ThumbnailsEnabled),
		ThumbnailsDir:        config.GetEnv("THUMBNAILS_DIR", d.ThumbnailsDir),
		ThumbnailMaxAge:      time.Duration(config.GetEnvInt("THUMBNAIL_MAX_AGE_H", int(d.ThumbnailMaxAge/time.Hour))) * time.Hour,
		FFmpegPath:           config.GetEnv("FFMPEG_PATH", d.FFmpegPath),
	}
}

func secs(key string, def time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(def/time.Second))) * time.Second
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %v", c.ProbeTimeout)
	}
	if c.WindowShort <= 0 || c.WindowLong < c.WindowShort {
		return fmt.Errorf("windows must satisfy 0 < short <= long, got short=%v long=%v", c.WindowShort, c.WindowLong)
	}
	if c.RedErrRate <= 0 || c.RedErrRate > 1 {
		return fmt.Errorf("red error rate must be in (0, 1], got %v", c.RedErrRate)
	}
	if c.RatioYellow <= 0 {
		return fmt.Errorf("yellow ratio threshold must be positive, got %v", c.RatioYellow)
	}
	if c.RedConsecutiveErrors < 1 {
		return fmt.Errorf("red consecutive errors must be at least 1, got %d", c.RedConsecutiveErrors)
	}
	if c.HistoryRetention < 1 {
		return fmt.Errorf("history retention must be at least 1, got %d", c.HistoryRetention)
	}
	if c.TimelineMaxEvents < 2 {
		return fmt.Errorf("timeline cap must allow at least the opening and latest event, got %d", c.TimelineMaxEvents)
	}
	return nil
}

// RingCapacity sizes the per-stream sample ring: the long window at the
// poll cadence, two samples per tick, with headroom.
func (c Config) RingCapacity() int {
	ticks := int(c.WindowLong / c.PollInterval)
	if ticks < 1 {
		ticks = 1
	}
	capacity := ticks * 2
	if capacity < 360 {
		capacity = 360
	}
	return capacity + capacity/8
}
