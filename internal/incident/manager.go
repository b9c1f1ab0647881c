// Package incident owns the incident lifecycle: opening on sustained
// bad health, acknowledgement, hold-based auto-resolution, bounded
// history, and the per-incident timeline. Nothing else mutates
// incident state.
package incident

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/events"
	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/pkg/logging"
)

// ErrNotFound is returned when an incident id is unknown.
var ErrNotFound = errors.New("incident not found")

const tableIncidents = "incidents"

// schema keeps incidents queryable by id and by stream. Status is
// filtered in code; per-stream incident counts are bounded so scans
// stay cheap.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableIncidents: {
				Name: tableIncidents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"stream": {
						Name:    "stream",
						Indexer: &memdb.StringFieldIndex{Field: "StreamID"},
					},
				},
			},
		},
	}
}

// track is the per-stream lifecycle memory: persistence and hold
// timers plus the monotone timeline event counter.
type track struct {
	yellowSince *time.Time
	greenSince  *time.Time
	nextEventID int64
}

// Manager consumes per-tick health signals and applies the incident
// policies. Incidents live in a go-memdb table as immutable records;
// every mutation inserts a fresh deep copy, so reads taken before a
// write keep observing the old record.
type Manager struct {
	logger            logging.Logger
	db                *memdb.MemDB
	bus               *events.Bus
	yellowPersistence time.Duration
	resolveHold       time.Duration
	historyRetention  int
	timelineMax       int

	mu     sync.Mutex
	tracks map[string]*track
}

func NewManager(logger logging.Logger, cfg config.Config, bus *events.Bus) (*Manager, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("incident schema: %w", err)
	}
	return &Manager{
		logger:            logger,
		db:                db,
		bus:               bus,
		yellowPersistence: cfg.YellowPersistence,
		resolveHold:       cfg.ResolveHold,
		historyRetention:  cfg.HistoryRetention,
		timelineMax:       cfg.TimelineMaxEvents,
		tracks:            make(map[string]*track),
	}, nil
}

func (m *Manager) trackFor(streamID string) *track {
	tr, ok := m.tracks[streamID]
	if !ok {
		tr = &track{}
		m.tracks[streamID] = tr
	}
	return tr
}

// Signal feeds one evaluated health state for a stream. RED opens an
// incident immediately; YELLOW opens one only after it persists;
// GREEN holding for the resolve window closes the active incident.
func (m *Manager) Signal(now time.Time, streamID string, snap models.HealthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.trackFor(streamID)
	active := m.active(streamID)

	switch snap.State {
	case models.HealthRed:
		tr.yellowSince = nil
		tr.greenSince = nil
		if active == nil {
			m.open(now, streamID, tr, snap)
		}
	case models.HealthYellow:
		tr.greenSince = nil
		if tr.yellowSince == nil {
			t := now
			tr.yellowSince = &t
		}
		if active == nil && now.Sub(*tr.yellowSince) >= m.yellowPersistence {
			m.open(now, streamID, tr, snap)
		}
	case models.HealthGreen:
		tr.yellowSince = nil
		if active == nil {
			tr.greenSince = nil
			return
		}
		if tr.greenSince == nil {
			t := now
			tr.greenSince = &t
			return
		}
		if now.Sub(*tr.greenSince) >= m.resolveHold {
			m.resolve(now, streamID, tr, active, "Health returned to GREEN")
			tr.greenSince = nil
		}
	default:
		// UNKNOWN carries no evidence either way.
	}
}

// AppendTimeline adds an event to the stream's active incident.
// Returns false when the stream has no active incident.
func (m *Manager) AppendTimeline(now time.Time, streamID string, kind models.TimelineEventKind, message string, attrs map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.active(streamID)
	if active == nil {
		return false
	}
	tr := m.trackFor(streamID)

	next := active.Clone()
	m.appendEvent(next, tr, models.TimelineEvent{
		TS:         now,
		Kind:       kind,
		Message:    message,
		Attributes: attrs,
	})
	m.insert(next)
	return true
}

// Acknowledge marks an OPEN incident ACKNOWLEDGED. Repeat calls, and
// calls against an already resolved incident, return the incident
// unchanged.
func (m *Manager) Acknowledge(now time.Time, incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.byID(incidentID)
	if stored == nil {
		return nil, ErrNotFound
	}
	if stored.Status != models.IncidentOpen {
		return stored.Clone(), nil
	}

	tr := m.trackFor(stored.StreamID)
	next := stored.Clone()
	next.Status = models.IncidentAcknowledged
	next.AcknowledgedAt = &now
	m.appendEvent(next, tr, models.TimelineEvent{
		TS:      now,
		Kind:    models.EventIncidentAcknowledged,
		Message: "Incident acknowledged by operator",
	})
	m.insert(next)

	m.logger.WithFields(logging.Fields{
		"incident_id": next.ID,
		"stream_id":   next.StreamID,
	}).Info("Incident acknowledged")
	m.publish(models.EventKindIncidentAcked, next)
	return next.Clone(), nil
}

// Active returns the stream's OPEN or ACKNOWLEDGED incident, if any.
func (m *Manager) Active(streamID string) *models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc := m.active(streamID); inc != nil {
		return inc.Clone()
	}
	return nil
}

// Get returns an incident by id, active or resolved.
func (m *Manager) Get(incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc := m.byID(incidentID); inc != nil {
		return inc.Clone(), nil
	}
	return nil, ErrNotFound
}

// List returns incidents newest first, optionally filtered by stream
// and activity.
func (m *Manager) List(streamID string, activeOnly bool) []*models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	var err error
	if streamID != "" {
		it, err = txn.Get(tableIncidents, "stream", streamID)
	} else {
		it, err = txn.Get(tableIncidents, "id")
	}
	if err != nil {
		return nil
	}

	var out []*models.Incident
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inc := raw.(*models.Incident)
		if activeOnly && !inc.Status.Active() {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// ActiveCount reports how many incidents are OPEN or ACKNOWLEDGED.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableIncidents, "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*models.Incident).Status.Active() {
			n++
		}
	}
	return n
}

// DropStream removes every incident and all lifecycle memory for a
// deleted stream.
func (m *Manager) DropStream(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	if _, err := txn.DeleteAll(tableIncidents, "stream", streamID); err != nil {
		txn.Abort()
		m.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to drop stream incidents")
		return
	}
	txn.Commit()
	delete(m.tracks, streamID)
}

// open creates the incident, seeds the timeline, and announces it.
// Caller holds m.mu.
func (m *Manager) open(now time.Time, streamID string, tr *track, snap models.HealthSnapshot) {
	inc := &models.Incident{
		ID:              "INC-" + uuid.NewString()[:8],
		StreamID:        streamID,
		Status:          models.IncidentOpen,
		OpenedAt:        now,
		TriggerReason:   snap.Reason,
		MetricsSnapshot: snap.Window,
	}
	m.appendEvent(inc, tr, models.TimelineEvent{
		TS:      now,
		Kind:    models.EventIncidentOpened,
		Message: snap.Reason,
	})
	m.insert(inc)

	m.logger.WithFields(logging.Fields{
		"incident_id": inc.ID,
		"stream_id":   streamID,
		"trigger":     snap.Reason,
	}).Info("Incident opened")
	m.publish(models.EventKindIncidentOpened, inc)
}

// resolve closes the active incident and evicts old resolved entries
// beyond the retention cap. Caller holds m.mu.
func (m *Manager) resolve(now time.Time, streamID string, tr *track, active *models.Incident, reason string) {
	next := active.Clone()
	next.Status = models.IncidentResolved
	next.ResolvedAt = &now
	m.appendEvent(next, tr, models.TimelineEvent{
		TS:      now,
		Kind:    models.EventIncidentResolved,
		Message: reason,
	})
	m.insert(next)
	m.evictResolved(streamID)

	m.logger.WithFields(logging.Fields{
		"incident_id": next.ID,
		"stream_id":   streamID,
	}).Info("Incident resolved")
	m.publish(models.EventKindIncidentResolved, next)
}

// appendEvent stamps the next per-stream event id and appends with the
// timeline cap: when full, the oldest entries after the opening event
// are dropped so the head and the newest events survive.
func (m *Manager) appendEvent(inc *models.Incident, tr *track, ev models.TimelineEvent) {
	tr.nextEventID++
	ev.ID = tr.nextEventID

	if len(inc.Timeline) >= m.timelineMax {
		head := inc.Timeline[0]
		tailLen := m.timelineMax - 2
		tail := inc.Timeline[len(inc.Timeline)-tailLen:]
		kept := make([]models.TimelineEvent, 0, m.timelineMax)
		kept = append(kept, head)
		kept = append(kept, tail...)
		inc.Timeline = kept
	}
	inc.Timeline = append(inc.Timeline, ev)
}

func (m *Manager) insert(inc *models.Incident) {
	txn := m.db.Txn(true)
	if err := txn.Insert(tableIncidents, inc); err != nil {
		txn.Abort()
		m.logger.WithError(err).WithField("incident_id", inc.ID).Error("Failed to store incident")
		return
	}
	txn.Commit()
}

// active returns the stored active incident without copying. Caller
// holds m.mu and must Clone before handing the record out.
func (m *Manager) active(streamID string) *models.Incident {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableIncidents, "stream", streamID)
	if err != nil {
		return nil
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inc := raw.(*models.Incident)
		if inc.Status.Active() {
			return inc
		}
	}
	return nil
}

func (m *Manager) byID(incidentID string) *models.Incident {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableIncidents, "id", incidentID)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*models.Incident)
}

// evictResolved enforces the per-stream FIFO retention of resolved
// incidents. Caller holds m.mu.
func (m *Manager) evictResolved(streamID string) {
	txn := m.db.Txn(true)

	it, err := txn.Get(tableIncidents, "stream", streamID)
	if err != nil {
		txn.Abort()
		return
	}
	var resolved []*models.Incident
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inc := raw.(*models.Incident)
		if inc.Status == models.IncidentResolved {
			resolved = append(resolved, inc)
		}
	}
	if len(resolved) <= m.historyRetention {
		txn.Abort()
		return
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].OpenedAt.Before(resolved[j].OpenedAt) })
	for _, inc := range resolved[:len(resolved)-m.historyRetention] {
		if err := txn.Delete(tableIncidents, inc); err != nil {
			txn.Abort()
			return
		}
	}
	txn.Commit()
}

func (m *Manager) publish(kind models.EventKind, inc *models.Incident) {
	m.bus.Publish(models.Event{
		Event:    kind,
		StreamID: inc.StreamID,
		Payload:  inc.Clone(),
		TS:       time.Now(),
	})
}
