package health

import (
	"time"

	"github.com/streamops/lookout/internal/models"
)

// DefaultHysteresis is how long a fresh YELLOW must survive before a
// GREEN->YELLOW transition becomes operator-visible.
const DefaultHysteresis = 30 * time.Second

// Tracker remembers the previously reported state for one stream and
// suppresses flaps: a GREEN->YELLOW->GREEN round trip that completes
// before the hysteresis window elapses produces no transition events.
// All other state changes are reported. The raw per-tick state still
// reaches the incident manager through the supervisor, so suppression
// only de-noises timelines and the push channel.
//
// Not safe for concurrent use; each supervisor owns one.
type Tracker struct {
	hysteresis time.Duration

	reported      models.HealthState
	pendingYellow bool
	pendingSince  time.Time
}

func NewTracker(hysteresis time.Duration) *Tracker {
	if hysteresis <= 0 {
		hysteresis = DefaultHysteresis
	}
	return &Tracker{hysteresis: hysteresis, reported: models.HealthUnknown}
}

// Reported returns the last operator-visible state.
func (t *Tracker) Reported() models.HealthState { return t.reported }

// Observe feeds one evaluated snapshot and returns the transition to
// publish, or nil when the snapshot does not change the visible state.
func (t *Tracker) Observe(snap models.HealthSnapshot) *models.HealthTransition {
	now := snap.UpdatedAt
	raw := snap.State

	if t.pendingYellow {
		switch raw {
		case models.HealthYellow:
			if now.Sub(t.pendingSince) < t.hysteresis {
				return nil
			}
			t.pendingYellow = false
			return t.emit(now, models.HealthYellow, snap.Reason)
		case models.HealthGreen:
			// Round trip completed: drop the pending YELLOW silently.
			t.pendingYellow = false
			return nil
		default:
			t.pendingYellow = false
			return t.emit(now, raw, snap.Reason)
		}
	}

	if raw == t.reported {
		return nil
	}
	if t.reported == models.HealthGreen && raw == models.HealthYellow {
		t.pendingYellow = true
		t.pendingSince = now
		return nil
	}
	return t.emit(now, raw, snap.Reason)
}

func (t *Tracker) emit(now time.Time, to models.HealthState, reason string) *models.HealthTransition {
	tr := &models.HealthTransition{TS: now, From: t.reported, To: to, Reason: reason}
	t.reported = to
	return tr
}
