package health

import (
	"fmt"
	"time"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/models"
)

// Classifier thresholds beyond the YELLOW ones. A download ratio above
// 1.0 means the client falls behind real time.
const (
	congestionTTFBMs     = 800.0
	congestionRatio      = 1.0
	originTailFailures   = 2
	encoderSegmentErrors = 3
)

// Classifier maps a window to a probable root cause. Pure and
// stateless; the same window always yields the same answer.
type Classifier struct {
	windowShort  time.Duration
	ttfbYellowMs float64
}

func NewClassifier(cfg config.Config) *Classifier {
	return &Classifier{windowShort: cfg.WindowShort, ttfbYellowMs: cfg.TTFBYellowMs}
}

// Classify evaluates the priority ladder over the window; the first
// matching rule wins.
func (c *Classifier) Classify(now time.Time, samples []models.MetricSample) models.RootCause {
	f := analyze(now, samples)
	ws := int(c.windowShort.Seconds())

	switch {
	case f.manifestTailFailures >= originTailFailures:
		return models.RootCause{
			Label:      models.CauseOriginOutage,
			Confidence: models.ConfidenceHigh,
			Evidence: []string{
				fmt.Sprintf("%d consecutive manifest failures", f.manifestTailFailures),
				fmt.Sprintf("last manifest outcome %s", f.lastManifestOutcome),
			},
		}
	case f.manifestOKWindow && f.segmentHTTPErrors >= encoderSegmentErrors:
		return models.RootCause{
			Label:      models.CauseEncoderPackager,
			Confidence: models.ConfidenceMedium,
			Evidence: []string{
				fmt.Sprintf("%d segment HTTP errors, manifest ok", f.segmentHTTPErrors),
			},
		}
	case f.hasTTFB && f.avgTTFB > congestionTTFBMs && f.hasRatio && f.avgRatio > congestionRatio:
		return models.RootCause{
			Label:      models.CauseNetworkCongestion,
			Confidence: models.ConfidenceMedium,
			Evidence: []string{
				fmt.Sprintf("Avg TTFB %.0f ms above %.0f ms", f.avgTTFB, congestionTTFBMs),
				fmt.Sprintf("Avg download ratio %.2f above %.1f", f.avgRatio, congestionRatio),
			},
		}
	case f.hasTTFB && f.avgTTFB > c.ttfbYellowMs && (!f.hasRatio || f.avgRatio <= congestionRatio):
		ev := []string{fmt.Sprintf("Avg TTFB %.0f ms above %.0f ms", f.avgTTFB, c.ttfbYellowMs)}
		if f.hasRatio {
			ev = append(ev, fmt.Sprintf("Avg download ratio %.2f keeping pace with real time", f.avgRatio))
		}
		return models.RootCause{
			Label:      models.CauseEdgeLatency,
			Confidence: models.ConfidenceLow,
			Evidence:   ev,
		}
	case f.errRate > 0:
		return models.RootCause{
			Label:      models.CauseIntermittent,
			Confidence: models.ConfidenceLow,
			Evidence: []string{
				fmt.Sprintf("Error rate %.0f%% over last %d s", f.errRate*100, ws),
				fmt.Sprintf("%d of %d probes failed", f.stats.ErrorCount, f.stats.SampleCount),
			},
		}
	default:
		return models.RootCause{
			Label:    models.CauseInsufficientEvidence,
			Evidence: []string{fmt.Sprintf("%d samples in window, no threshold breached", f.stats.SampleCount)},
		}
	}
}
