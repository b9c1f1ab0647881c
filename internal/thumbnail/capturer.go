// Package thumbnail extracts still frames from probed segments with an
// external ffmpeg binary and keeps the output directory trimmed. All of
// it is best-effort; the pipeline runs fine without thumbnails.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/pkg/logging"
)

// ErrUnavailable is returned by Capture when capture is disabled or the
// ffmpeg binary was not found at startup.
var ErrUnavailable = errors.New("thumbnail capture unavailable")

// Capturer shells out to ffmpeg for one frame per capture. A disabled
// toggle or missing binary is detected once at construction and logged;
// Capture then fails fast without spawning anything.
type Capturer struct {
	logger    logging.Logger
	binary    string
	dir       string
	timeout   time.Duration
	maxAge    time.Duration
	available bool
}

func NewCapturer(logger logging.Logger, cfg config.Config) *Capturer {
	c := &Capturer{
		logger:  logger,
		binary:  cfg.FFmpegPath,
		dir:     cfg.ThumbnailsDir,
		timeout: cfg.ProbeTimeout,
		maxAge:  cfg.ThumbnailMaxAge,
	}
	if !cfg.ThumbnailsEnabled {
		logger.Info("Thumbnail capture disabled by configuration")
		return c
	}
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		logger.WithField("binary", cfg.FFmpegPath).Warn("ffmpeg not found, thumbnail capture disabled")
		return c
	}
	c.available = true
	return c
}

// Available reports whether the binary was found at startup.
func (c *Capturer) Available() bool {
	return c.available
}

// Capture extracts a single frame from segmentURL into the thumbnail
// directory and returns the written file name. The ffmpeg run is bounded
// by the probe timeout.
func (c *Capturer) Capture(ctx context.Context, streamID, segmentURL string) (string, error) {
	if !c.available {
		return "", ErrUnavailable
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create thumbnail dir: %w", err)
	}

	name := fmt.Sprintf("%s_%d.jpg", streamID, time.Now().UnixMilli())
	out := filepath.Join(c.dir, name)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary,
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", segmentURL,
		"-frames:v", "1",
		"-q:v", "4",
		out,
	)
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg: %w", err)
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg produced no frame for %s", segmentURL)
	}

	c.logger.WithFields(logging.Fields{
		"stream_id": streamID,
		"file":      name,
	}).Debug("Captured thumbnail")
	return name, nil
}

// Latest returns the newest thumbnail file name for the stream, or ""
// when none exists.
func (c *Capturer) Latest(streamID string) string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	prefix := streamID + "_"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = e.Name()
			newestMod = info.ModTime()
		}
	}
	return newest
}

// Path resolves a thumbnail file name to its absolute location.
func (c *Capturer) Path(name string) string {
	return filepath.Join(c.dir, filepath.Base(name))
}

// DropStream removes every thumbnail belonging to the stream. Called
// when a stream is deleted from the registry.
func (c *Capturer) DropStream(streamID string) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	prefix := streamID + "_"
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
}

// Sweep removes thumbnails older than the configured max age and
// returns how many files were deleted.
func (c *Capturer) Sweep(now time.Time) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.maxAge {
			if os.Remove(filepath.Join(c.dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}

// StartSweeper schedules the hourly age sweep and returns the cron so
// the caller can stop it on shutdown.
func (c *Capturer) StartSweeper() *cron.Cron {
	sched := cron.New()
	sched.AddFunc("@every 1h", func() {
		if n := c.Sweep(time.Now()); n > 0 {
			c.logger.WithField("removed", n).Info("Swept stale thumbnails")
		}
	})
	sched.Start()
	return sched
}
