// Package supervisor drives the per-stream observation loop: probe the
// manifest, pick a segment, record samples, evaluate health, and signal
// the incident manager. One Supervisor owns one stream's lane; nothing
// here is shared across streams except the collaborators passed in.
package supervisor

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/events"
	"github.com/streamops/lookout/internal/health"
	"github.com/streamops/lookout/internal/hls"
	"github.com/streamops/lookout/internal/incident"
	"github.com/streamops/lookout/internal/metricstore"
	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/internal/probe"
	"github.com/streamops/lookout/internal/thumbnail"
	"github.com/streamops/lookout/pkg/logging"
)

// State is the supervisor lifecycle state.
type State int32

const (
	// StateInit is the state before the first sample lands.
	StateInit State = iota

	// StateRunning means the loop is ticking and recording samples.
	StateRunning

	// StateStopping means cancellation was requested and the loop is
	// draining its in-flight probe.
	StateStopping

	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second

	// seenSegmentLimit bounds the probed-segment set for streams with
	// long or non-sliding playlists.
	seenSegmentLimit = 2048
)

// Instruments carries the shared Prometheus probe metrics. All fields
// are optional; a nil *Instruments disables instrumentation entirely.
type Instruments struct {
	Probes   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	TTFB     *prometheus.HistogramVec
}

func (in *Instruments) observe(sample models.MetricSample) {
	if in == nil {
		return
	}
	kind := string(sample.Kind)
	if in.Probes != nil {
		in.Probes.WithLabelValues(kind, string(sample.Outcome.Class)).Inc()
	}
	if in.Duration != nil {
		in.Duration.WithLabelValues(kind).Observe(sample.TotalMs / 1000)
	}
	if in.TTFB != nil && sample.TTFBMs > 0 {
		in.TTFB.WithLabelValues(kind).Observe(sample.TTFBMs / 1000)
	}
}

// Deps bundles the collaborators one supervisor needs.
type Deps struct {
	Logger      logging.Logger
	Config      config.Config
	Stream      models.Stream
	Client      *probe.Client
	Store       *metricstore.Store
	Incidents   *incident.Manager
	Bus         *events.Bus
	Thumbnails  *thumbnail.Capturer
	Instruments *Instruments
}

// Supervisor runs the observation loop for a single stream.
type Supervisor struct {
	logger      logging.Logger
	cfg         config.Config
	stream      models.Stream
	client      *probe.Client
	store       *metricstore.Store
	evaluator   *health.Evaluator
	tracker     *health.Tracker
	incidents   *incident.Manager
	bus         *events.Bus
	thumbs      *thumbnail.Capturer
	instruments *Instruments

	state atomic.Int32

	mu       sync.RWMutex
	snapshot models.HealthSnapshot

	// Loop-owned; touched only by the tick goroutine.
	targetURL      string
	seen           map[string]struct{}
	seenOrder      []string
	lastOKSegment  string
	segmentFailing bool
	tick           int

	captures sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(d Deps) *Supervisor {
	s := &Supervisor{
		logger:      d.Logger,
		cfg:         d.Config,
		stream:      d.Stream,
		client:      d.Client,
		store:       d.Store,
		evaluator:   health.NewEvaluator(d.Config),
		tracker:     health.NewTracker(health.DefaultHysteresis),
		incidents:   d.Incidents,
		bus:         d.Bus,
		thumbs:      d.Thumbnails,
		instruments: d.Instruments,
		targetURL:   d.Stream.ManifestURL,
		seen:        make(map[string]struct{}),
		done:        make(chan struct{}),
		snapshot: models.HealthSnapshot{
			State:     models.HealthUnknown,
			Reason:    "No samples yet",
			UpdatedAt: time.Now(),
		},
	}
	s.state.Store(int32(StateInit))
	return s
}

// Start launches the loop. The loop ends when ctx is cancelled or Stop
// is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.WithFields(logging.Fields{
		"stream_id": s.stream.ID,
		"url":       s.stream.ManifestURL,
	}).Info("Starting stream supervisor")
	go s.run(ctx)
}

// Stop cancels the loop and waits for the in-flight probe to return,
// bounded by grace. It reports whether the supervisor reached STOPPED.
func (s *Supervisor) Stop(grace time.Duration) bool {
	s.state.CompareAndSwap(int32(StateInit), int32(StateStopping))
	s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
		return true
	case <-time.After(grace):
		s.logger.WithField("stream_id", s.stream.ID).Warn("Supervisor did not stop within grace period")
		return false
	}
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Store exposes the stream's sample ring for history and classification
// reads; the store itself is safe for concurrent use.
func (s *Supervisor) Store() *metricstore.Store {
	return s.store
}

// Health returns the latest evaluated snapshot.
func (s *Supervisor) Health() models.HealthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Supervisor) setSnapshot(snap models.HealthSnapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	restart := retrypolicy.NewBuilder[any]().
		WithBackoff(restartBackoffMin, restartBackoffMax).
		WithMaxRetries(-1).
		Build()
	_ = failsafe.With(restart).WithContext(ctx).Run(func() error {
		return s.loop(ctx)
	})
	s.captures.Wait()
}

// loop ticks until ctx is cancelled. A panic inside a tick comes back
// as an error so the retry policy restarts the loop with backoff.
func (s *Supervisor) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
			s.logger.WithFields(logging.Fields{
				"stream_id": s.stream.ID,
				"panic":     fmt.Sprint(r),
			}).Error("Supervisor crashed, restarting with backoff")
			s.emitRestartSnapshot(time.Now())
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.tick++
		s.observeTick(ctx, time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// observeTick is one pass of the loop: manifest probe, segment probe,
// evaluation, thumbnail cadence. Probe failures are recorded as
// samples, never returned.
func (s *Supervisor) observeTick(ctx context.Context, now time.Time) {
	sample, body := s.client.ProbeManifest(ctx, s.targetURL)
	if ctx.Err() != nil {
		return
	}

	var playlist *hls.Playlist
	if sample.Outcome.IsOK() {
		if base, err := url.Parse(s.targetURL); err == nil {
			if p, parseErr := hls.Parse(body, base); parseErr == nil {
				playlist = p
			} else {
				sample.Outcome = models.Outcome{Class: models.OutcomeParseError}
			}
		}
	}
	s.record(sample)
	if !sample.Outcome.IsOK() {
		s.incidents.AppendTimeline(now, s.stream.ID, models.EventManifestFail,
			fmt.Sprintf("Manifest probe failed: %s", sample.Outcome), nil)
	}

	if playlist != nil {
		switch playlist.Type {
		case hls.TypeMaster:
			if v := playlist.HighestBandwidthVariant(); v != nil {
				s.logger.WithFields(logging.Fields{
					"stream_id": s.stream.ID,
					"bandwidth": v.Bandwidth,
					"variant":   v.URI,
				}).Debug("Master playlist, following highest-bandwidth variant")
				s.targetURL = v.URI
			}
		case hls.TypeMedia:
			if seg := s.selectSegment(playlist.Segments); seg != nil {
				s.probeSegment(ctx, now, seg)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}

	s.evaluate(now)

	if s.cfg.ThumbnailEveryK > 0 && s.tick%s.cfg.ThumbnailEveryK == 0 && s.lastOKSegment != "" {
		s.captureThumbnail(ctx, s.lastOKSegment)
	}
}

func (s *Supervisor) probeSegment(ctx context.Context, now time.Time, seg *hls.Segment) {
	sample := s.client.ProbeSegment(ctx, seg.URI, seg.DurationSec)
	if ctx.Err() != nil {
		return
	}
	s.record(sample)
	s.markSeen(seg.URI)
	if sample.Outcome.IsOK() {
		if s.segmentFailing {
			s.incidents.AppendTimeline(now, s.stream.ID, models.EventSegmentOK,
				"Segment probe recovered", map[string]string{"url": seg.URI})
		}
		s.segmentFailing = false
		s.lastOKSegment = seg.URI
		return
	}
	s.segmentFailing = true
	s.incidents.AppendTimeline(now, s.stream.ID, models.EventSegmentFail,
		fmt.Sprintf("Segment probe failed: %s", sample.Outcome),
		map[string]string{"url": seg.URI})
}

func (s *Supervisor) record(sample models.MetricSample) {
	s.store.Append(sample)
	s.state.CompareAndSwap(int32(StateInit), int32(StateRunning))
	s.instruments.observe(sample)
	s.bus.Publish(models.Event{
		Event:    models.EventSampleAppended,
		StreamID: s.stream.ID,
		Payload:  sample,
		TS:       sample.Timestamp,
	})
}

func (s *Supervisor) evaluate(now time.Time) {
	snap := s.evaluator.Evaluate(now, s.store.Window(now, s.cfg.WindowShort))
	s.setSnapshot(snap)

	if tr := s.tracker.Observe(snap); tr != nil {
		s.store.RecordTransition(*tr)
		s.incidents.AppendTimeline(tr.TS, s.stream.ID, models.EventHealthTransition,
			fmt.Sprintf("Health %s -> %s: %s", tr.From, tr.To, tr.Reason), nil)
		s.bus.Publish(models.Event{
			Event:    models.EventHealthChanged,
			StreamID: s.stream.ID,
			Payload:  snap,
			TS:       tr.TS,
		})
		s.logger.WithFields(logging.Fields{
			"stream_id": s.stream.ID,
			"from":      tr.From,
			"to":        tr.To,
			"reason":    tr.Reason,
		}).Info("Health transition")
	}

	s.incidents.Signal(now, s.stream.ID, snap)
}

// emitRestartSnapshot surfaces a crashed loop to operators. It bypasses
// the tracker so a wedged dependency cannot panic the recovery path a
// second time.
func (s *Supervisor) emitRestartSnapshot(now time.Time) {
	snap := models.HealthSnapshot{
		State:     models.HealthRed,
		Reason:    "supervisor restart",
		UpdatedAt: now,
	}
	s.setSnapshot(snap)
	s.bus.Publish(models.Event{
		Event:    models.EventHealthChanged,
		StreamID: s.stream.ID,
		Payload:  snap,
		TS:       now,
	})
	if s.incidents != nil {
		s.incidents.Signal(now, s.stream.ID, snap)
	}
}

// selectSegment picks the second-most-recent segment that has not been
// probed yet; the newest one is usually still being written at the
// origin. Single-segment playlists are probed as-is.
func (s *Supervisor) selectSegment(segments []hls.Segment) *hls.Segment {
	if len(segments) == 0 {
		return nil
	}
	if len(segments) == 1 {
		if s.probed(segments[0].URI) {
			return nil
		}
		return &segments[0]
	}
	for i := len(segments) - 2; i >= 0; i-- {
		if !s.probed(segments[i].URI) {
			return &segments[i]
		}
	}
	return nil
}

func (s *Supervisor) probed(uri string) bool {
	_, ok := s.seen[uri]
	return ok
}

func (s *Supervisor) markSeen(uri string) {
	if s.probed(uri) {
		return
	}
	s.seen[uri] = struct{}{}
	s.seenOrder = append(s.seenOrder, uri)
	if len(s.seenOrder) > seenSegmentLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// captureThumbnail fires a best-effort capture without blocking the
// tick. The timeline event lands only when a capture succeeds and an
// incident is active.
func (s *Supervisor) captureThumbnail(ctx context.Context, segmentURL string) {
	if s.thumbs == nil || !s.thumbs.Available() {
		return
	}
	s.captures.Add(1)
	go func() {
		defer s.captures.Done()
		name, err := s.thumbs.Capture(ctx, s.stream.ID, segmentURL)
		if err != nil {
			s.logger.WithError(err).WithField("stream_id", s.stream.ID).Debug("Thumbnail capture failed")
			return
		}
		s.incidents.AppendTimeline(time.Now(), s.stream.ID, models.EventThumbnailCaptured,
			"Thumbnail captured", map[string]string{"file": name})
	}()
}
