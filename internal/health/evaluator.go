// Package health maps a window of probe samples to a GREEN/YELLOW/RED
// snapshot with a one-line reason, tracks operator-visible transitions
// with flap suppression, and classifies probable root causes.
package health

import (
	"fmt"
	"time"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/models"
)

// manifestProbeWindow is the lookback for the manifest-unreachable rule.
const manifestProbeWindow = 30 * time.Second

// minManifestAttempts is how many manifest probes must exist in the
// lookback before their collective failure counts as an outage.
const minManifestAttempts = 2

// Evaluator derives a health state from the evaluation window. It is
// pure over (now, samples) and holds only thresholds.
type Evaluator struct {
	windowShort          time.Duration
	ttfbYellowMs         float64
	ratioYellow          float64
	redConsecutiveErrors int
	redErrRate           float64
}

func NewEvaluator(cfg config.Config) *Evaluator {
	return &Evaluator{
		windowShort:          cfg.WindowShort,
		ttfbYellowMs:         cfg.TTFBYellowMs,
		ratioYellow:          cfg.RatioYellow,
		redConsecutiveErrors: cfg.RedConsecutiveErrors,
		redErrRate:           cfg.RedErrRate,
	}
}

// windowFacts are the aggregates shared by the evaluator and the
// classifier, computed in one pass over the window.
type windowFacts struct {
	stats models.WindowStats

	errRate  float64
	avgTTFB  float64
	hasTTFB  bool
	avgRatio float64
	hasRatio bool

	consecutiveErrors int

	manifestAttempts30 int
	manifestOK30       bool
	manifestOKWindow   bool

	// Consecutive failures ending at the most recent manifest probe.
	manifestTailFailures int
	lastManifestOutcome  models.Outcome

	segmentHTTPErrors int
}

// analyze aggregates a window. Samples arrive oldest first.
func analyze(now time.Time, samples []models.MetricSample) windowFacts {
	var f windowFacts
	f.stats.SampleCount = len(samples)
	if len(samples) == 0 {
		return f
	}

	var ttfbSum float64
	var ttfbN int
	var ratioSum float64
	var ratioN int
	manifestCutoff := now.Add(-manifestProbeWindow)

	for _, s := range samples {
		ok := s.Outcome.IsOK()
		if !ok {
			f.stats.ErrorCount++
		}
		if ok && s.TTFBMs > 0 {
			ttfbSum += s.TTFBMs
			ttfbN++
		}
		if s.HasRatio() {
			ratioSum += s.DownloadRatio
			ratioN++
		}
		if s.Kind == models.ProbeManifest {
			f.lastManifestOutcome = s.Outcome
			if ok {
				f.manifestOKWindow = true
				f.manifestTailFailures = 0
			} else {
				f.manifestTailFailures++
			}
			if !s.Timestamp.Before(manifestCutoff) {
				f.manifestAttempts30++
				if ok {
					f.manifestOK30 = true
				}
			}
		}
		if s.Kind == models.ProbeSegment && s.Outcome.Class == models.OutcomeHTTPError {
			f.segmentHTTPErrors++
		}
	}

	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Outcome.IsOK() {
			break
		}
		f.consecutiveErrors++
	}

	f.errRate = float64(f.stats.ErrorCount) / float64(len(samples))
	if ttfbN > 0 {
		f.hasTTFB = true
		f.avgTTFB = ttfbSum / float64(ttfbN)
		f.stats.AvgTTFBMs = f.avgTTFB
	}
	if ratioN > 0 {
		f.hasRatio = true
		f.avgRatio = ratioSum / float64(ratioN)
		f.stats.AvgDownloadRatio = f.avgRatio
	}
	return f
}

// Evaluate maps the window to a snapshot. Rules run top to bottom and
// the first match sets both state and reason.
func (e *Evaluator) Evaluate(now time.Time, samples []models.MetricSample) models.HealthSnapshot {
	f := analyze(now, samples)
	snap := models.HealthSnapshot{UpdatedAt: now, Window: f.stats}
	ws := int(e.windowShort.Seconds())

	switch {
	case len(samples) == 0:
		snap.State = models.HealthUnknown
		snap.Reason = "No samples yet"
	case f.manifestAttempts30 >= minManifestAttempts && !f.manifestOK30:
		snap.State = models.HealthRed
		snap.Reason = fmt.Sprintf("Manifest failing: no successful manifest probe in last %d s (%d attempts)",
			int(manifestProbeWindow.Seconds()), f.manifestAttempts30)
	case f.consecutiveErrors >= e.redConsecutiveErrors:
		snap.State = models.HealthRed
		snap.Reason = fmt.Sprintf("%d consecutive probe failures", f.consecutiveErrors)
	case f.errRate >= e.redErrRate:
		snap.State = models.HealthRed
		snap.Reason = fmt.Sprintf("Error rate %.0f%% over last %d s", f.errRate*100, ws)
	case f.hasTTFB && f.avgTTFB > e.ttfbYellowMs:
		snap.State = models.HealthYellow
		snap.Reason = fmt.Sprintf("Avg TTFB %.0f ms exceeded %.0f ms threshold over last %d s",
			f.avgTTFB, e.ttfbYellowMs, ws)
	case f.hasRatio && f.avgRatio > e.ratioYellow:
		snap.State = models.HealthYellow
		snap.Reason = fmt.Sprintf("Avg download ratio %.2f exceeded %.2f threshold over last %d s",
			f.avgRatio, e.ratioYellow, ws)
	case f.errRate > 0:
		snap.State = models.HealthYellow
		snap.Reason = fmt.Sprintf("Error rate %.0f%% over last %d s", f.errRate*100, ws)
	default:
		snap.State = models.HealthGreen
		snap.Reason = fmt.Sprintf("All probes OK over last %d s", ws)
	}
	return snap
}
