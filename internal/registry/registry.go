// Package registry owns the stream roster. It maps stream IDs to their
// supervisors, hands out point-in-time snapshots to the API layer, and
// persists configuration on every mutation. The registry map is the
// only cross-stream shared state in the pipeline.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/events"
	"github.com/streamops/lookout/internal/health"
	"github.com/streamops/lookout/internal/incident"
	"github.com/streamops/lookout/internal/metricstore"
	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/internal/persist"
	"github.com/streamops/lookout/internal/probe"
	"github.com/streamops/lookout/internal/supervisor"
	"github.com/streamops/lookout/internal/thumbnail"
	"github.com/streamops/lookout/pkg/logging"
)

var (
	// ErrNotFound is returned when a stream id is unknown.
	ErrNotFound = errors.New("stream not found")

	// ErrDuplicateURL rejects adding the same manifest twice.
	ErrDuplicateURL = errors.New("manifest url already monitored")

	// ErrInvalidURL rejects manifest URLs that are empty or not http(s).
	ErrInvalidURL = errors.New("invalid manifest url")
)

// Deps bundles the shared collaborators the registry wires into every
// supervisor it launches.
type Deps struct {
	Logger      logging.Logger
	Config      config.Config
	Bus         *events.Bus
	Incidents   *incident.Manager
	Thumbnails  *thumbnail.Capturer
	Persist     *persist.Store
	Instruments *supervisor.Instruments
}

type entry struct {
	stream models.Stream
	sup    *supervisor.Supervisor
}

// Registry owns all supervisors. Add and Remove are write-locked;
// everything else reads shared state and returns copies.
type Registry struct {
	logger      logging.Logger
	cfg         config.Config
	client      *probe.Client
	bus         *events.Bus
	incidents   *incident.Manager
	thumbs      *thumbnail.Capturer
	persist     *persist.Store
	instruments *supervisor.Instruments
	classifier  *health.Classifier

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	streams map[string]*entry

	startedAt time.Time
}

func New(d Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:      d.Logger,
		cfg:         d.Config,
		client:      probe.NewClient(d.Config.ProbeTimeout),
		bus:         d.Bus,
		incidents:   d.Incidents,
		thumbs:      d.Thumbnails,
		persist:     d.Persist,
		instruments: d.Instruments,
		classifier:  health.NewClassifier(d.Config),
		baseCtx:     ctx,
		cancel:      cancel,
		streams:     make(map[string]*entry),
		startedAt:   time.Now(),
	}
}

// Restore launches supervisors for every persisted stream. Load
// failures are logged, not fatal; monitoring starts with an empty
// roster in that case.
func (r *Registry) Restore() int {
	streams, err := r.persist.Load()
	if err != nil {
		r.logger.WithError(err).Error("Failed to load persisted streams")
		return 0
	}
	r.mu.Lock()
	for _, st := range streams {
		r.launch(st)
	}
	r.mu.Unlock()
	if len(streams) > 0 {
		r.logger.WithField("count", len(streams)).Info("Restored persisted streams")
	}
	return len(streams)
}

// Add validates the manifest URL, starts a supervisor for the new
// stream, and persists the roster. An empty name defaults to the
// manifest host.
func (r *Registry) Add(name, manifestURL string) (models.Stream, error) {
	u, err := parseManifestURL(manifestURL)
	if err != nil {
		return models.Stream{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = u.Host
	}

	stream := models.Stream{
		ID:          uuid.NewString()[:8],
		Name:        name,
		ManifestURL: manifestURL,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	for _, e := range r.streams {
		if e.stream.ManifestURL == manifestURL {
			r.mu.Unlock()
			return models.Stream{}, ErrDuplicateURL
		}
	}
	r.launch(stream)
	r.mu.Unlock()

	r.save()
	r.logger.WithFields(logging.Fields{
		"stream_id": stream.ID,
		"name":      stream.Name,
		"url":       stream.ManifestURL,
	}).Info("Stream added")
	return stream, nil
}

// launch starts a supervisor for the stream. Caller holds r.mu.
func (r *Registry) launch(stream models.Stream) {
	sup := supervisor.New(supervisor.Deps{
		Logger:      r.logger,
		Config:      r.cfg,
		Stream:      stream,
		Client:      r.client,
		Store:       metricstore.New(r.cfg.RingCapacity()),
		Incidents:   r.incidents,
		Bus:         r.bus,
		Thumbnails:  r.thumbs,
		Instruments: r.instruments,
	})
	r.streams[stream.ID] = &entry{stream: stream, sup: sup}
	sup.Start(r.baseCtx)
}

// Remove stops the stream's supervisor, drops its incident and
// thumbnail state, and persists the roster. The call blocks until the
// supervisor reaches STOPPED or the stop grace elapses, after which
// resources are released unconditionally.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.streams, id)
	r.mu.Unlock()

	if !e.sup.Stop(r.cfg.StopGrace) {
		r.logger.WithField("stream_id", id).Warn("Supervisor exceeded stop grace, releasing anyway")
	}
	r.incidents.DropStream(id)
	if r.thumbs != nil {
		r.thumbs.DropStream(id)
	}
	r.save()
	r.logger.WithField("stream_id", id).Info("Stream removed")
	return nil
}

// List returns summaries ordered by creation time.
func (r *Registry) List() []models.StreamSummary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].stream, entries[j].stream
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	out := make([]models.StreamSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.summary(e))
	}
	return out
}

// Get returns the full detail projection: config, health, active
// incident, root cause when unhealthy, and the latest thumbnail.
func (r *Registry) Get(id string) (models.StreamDetail, error) {
	e, ok := r.lookup(id)
	if !ok {
		return models.StreamDetail{}, ErrNotFound
	}

	detail := models.StreamDetail{StreamSummary: r.summary(e)}
	detail.Incident = r.incidents.Active(id)
	if detail.Incident != nil || detail.Health.State == models.HealthYellow || detail.Health.State == models.HealthRed {
		now := time.Now()
		cause := r.classifier.Classify(now, e.sup.Store().Window(now, r.cfg.WindowShort))
		detail.RootCause = &cause
	}
	if r.thumbs != nil && r.thumbs.Latest(id) != "" {
		detail.ThumbnailURL = "/api/streams/" + id + "/thumbnail/file"
	}
	return detail, nil
}

// History returns the per-minute aggregation for charts. Minutes is
// clamped to the long window.
func (r *Registry) History(id string, minutes int) (models.HistoryPayload, error) {
	e, ok := r.lookup(id)
	if !ok {
		return models.HistoryPayload{}, ErrNotFound
	}
	if minutes <= 0 {
		minutes = 30
	}
	if max := int(r.cfg.WindowLong / time.Minute); minutes > max {
		minutes = max
	}
	return e.sup.Store().History(id, time.Now(), minutes), nil
}

// Timeline returns the last events of the stream's active incident, or
// an empty slice when nothing is open.
func (r *Registry) Timeline(id string, limit int) ([]models.TimelineEvent, error) {
	if _, ok := r.lookup(id); !ok {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	inc := r.incidents.Active(id)
	if inc == nil {
		return []models.TimelineEvent{}, nil
	}
	tl := inc.Timeline
	if len(tl) > limit {
		tl = tl[len(tl)-limit:]
	}
	return tl, nil
}

// Thumbnail returns the file name of the newest capture for the stream.
func (r *Registry) Thumbnail(id string) (string, error) {
	if _, ok := r.lookup(id); !ok {
		return "", ErrNotFound
	}
	if r.thumbs == nil {
		return "", nil
	}
	return r.thumbs.Latest(id), nil
}

// ThumbnailPath resolves a thumbnail name to a path on disk.
func (r *Registry) ThumbnailPath(name string) string {
	if r.thumbs == nil {
		return ""
	}
	return r.thumbs.Path(name)
}

// Incidents filters incidents by stream and activity.
func (r *Registry) Incidents(streamID string, activeOnly bool) []*models.Incident {
	return r.incidents.List(streamID, activeOnly)
}

// Incident fetches one incident by id.
func (r *Registry) Incident(id string) (*models.Incident, error) {
	return r.incidents.Get(id)
}

// Acknowledge marks an incident as acknowledged. Idempotent.
func (r *Registry) Acknowledge(id string) (*models.Incident, error) {
	return r.incidents.Acknowledge(time.Now(), id)
}

// Subscribe attaches a push-channel reader; pair with Unsubscribe.
func (r *Registry) Subscribe(buf int) <-chan models.Event {
	return r.bus.Subscribe(buf)
}

// Unsubscribe detaches a reader obtained from Subscribe.
func (r *Registry) Unsubscribe(ch <-chan models.Event) {
	r.bus.Unsubscribe(ch)
}

// Stats backs the health endpoint.
func (r *Registry) Stats() (streams, activeIncidents int, uptime time.Duration) {
	r.mu.RLock()
	streams = len(r.streams)
	r.mu.RUnlock()
	return streams, r.incidents.ActiveCount(), time.Since(r.startedAt)
}

// Close stops every supervisor and cancels their probes. Safe to call
// once at shutdown.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.streams = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.sup.Stop(r.cfg.StopGrace)
	}
	r.logger.WithField("stopped", len(entries)).Info("Registry closed")
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.streams[id]
	return e, ok
}

func (r *Registry) summary(e *entry) models.StreamSummary {
	sum := models.StreamSummary{
		ID:          e.stream.ID,
		Name:        e.stream.Name,
		ManifestURL: e.stream.ManifestURL,
		CreatedAt:   e.stream.CreatedAt,
		Health:      e.sup.Health(),
	}
	if inc := r.incidents.Active(e.stream.ID); inc != nil {
		sum.ActiveIncidentID = inc.ID
	}
	return sum
}

// save writes the roster. Persistence errors are logged; the in-memory
// roster stays authoritative and the next successful write catches up.
func (r *Registry) save() {
	r.mu.RLock()
	streams := make([]models.Stream, 0, len(r.streams))
	for _, e := range r.streams {
		streams = append(streams, e.stream)
	}
	r.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	if err := r.persist.Save(streams); err != nil {
		r.logger.WithError(err).Error("Failed to persist streams")
	}
}

func parseManifestURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: manifest_url is required", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}
