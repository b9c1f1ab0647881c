package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/models"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func manifestAt(age time.Duration, outcome models.Outcome) models.MetricSample {
	return models.MetricSample{
		Timestamp: now.Add(-age),
		Kind:      models.ProbeManifest,
		URL:       "http://origin/live/master.m3u8",
		Outcome:   outcome,
		TTFBMs:    40,
		TotalMs:   60,
	}
}

func segmentAt(age time.Duration, outcome models.Outcome, ttfb, ratio float64) models.MetricSample {
	s := models.MetricSample{
		Timestamp: now.Add(-age),
		Kind:      models.ProbeSegment,
		URL:       "http://origin/live/seg.ts",
		Outcome:   outcome,
		TTFBMs:    ttfb,
		TotalMs:   ttfb * 2,
	}
	if ratio > 0 {
		s.DeclaredDurationMs = 6000
		s.DownloadRatio = ratio
	}
	return s
}

func TestEvaluateEmptyWindow(t *testing.T) {
	e := NewEvaluator(config.Default())
	snap := e.Evaluate(now, nil)
	assert.Equal(t, models.HealthUnknown, snap.State)
	assert.Equal(t, "No samples yet", snap.Reason)
	assert.Zero(t, snap.Window.SampleCount)
}

func TestEvaluateGreenSteadyState(t *testing.T) {
	e := NewEvaluator(config.Default())
	var samples []models.MetricSample
	for i := 5; i >= 1; i-- {
		age := time.Duration(i) * 10 * time.Second
		samples = append(samples,
			manifestAt(age, models.OK()),
			segmentAt(age-time.Second, models.OK(), 300, 0.05),
		)
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthGreen, snap.State)
	assert.Contains(t, snap.Reason, "All probes OK")
	assert.Equal(t, 10, snap.Window.SampleCount)
	assert.Zero(t, snap.Window.ErrorCount)
	assert.InDelta(t, 0.05, snap.Window.AvgDownloadRatio, 1e-9)
}

func TestEvaluateRedConsecutiveErrors(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(50*time.Second, models.OK()),
		segmentAt(45*time.Second, models.OK(), 100, 0.1),
		manifestAt(25*time.Second, models.OK()),
		segmentAt(22*time.Second, models.Outcome{Class: models.OutcomeTimeout}, 0, 0),
		segmentAt(12*time.Second, models.Outcome{Class: models.OutcomeTimeout}, 0, 0),
		segmentAt(2*time.Second, models.Outcome{Class: models.OutcomeTimeout}, 0, 0),
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthRed, snap.State)
	assert.Equal(t, "3 consecutive probe failures", snap.Reason)
	assert.Equal(t, 3, snap.Window.ErrorCount)
}

func TestEvaluateRedErrorRate(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(20*time.Second, models.OK()),
		segmentAt(18*time.Second, models.HTTPError(500), 0, 0),
		segmentAt(14*time.Second, models.OK(), 100, 0.1),
		segmentAt(8*time.Second, models.HTTPError(500), 0, 0),
		segmentAt(4*time.Second, models.OK(), 100, 0.1),
		segmentAt(2*time.Second, models.Outcome{Class: models.OutcomeConnect}, 0, 0),
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthRed, snap.State)
	assert.Equal(t, "Error rate 50% over last 120 s", snap.Reason)
}

func TestEvaluateRedManifestFailing(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		segmentAt(50*time.Second, models.OK(), 100, 0.1),
		segmentAt(45*time.Second, models.OK(), 100, 0.1),
		manifestAt(15*time.Second, models.HTTPError(503)),
		manifestAt(5*time.Second, models.HTTPError(503)),
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthRed, snap.State)
	assert.Contains(t, snap.Reason, "Manifest failing")
	assert.Contains(t, snap.Reason, "2 attempts")
}

func TestEvaluateManifestRuleNeedsTwoAttempts(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(50*time.Second, models.OK()),
		segmentAt(45*time.Second, models.OK(), 100, 0.1),
		manifestAt(5*time.Second, models.HTTPError(503)),
	}

	snap := e.Evaluate(now, samples)
	assert.NotEqual(t, models.HealthRed, snap.State, "single failed attempt must not trip the outage rule")
}

func TestEvaluateYellowTTFB(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(30*time.Second, models.OK()),
		segmentAt(25*time.Second, models.OK(), 700, 0.1),
		segmentAt(15*time.Second, models.OK(), 700, 0.1),
		segmentAt(5*time.Second, models.OK(), 700, 0.1),
	}

	// Mean over ok probes: (40 + 700*3) / 4 = 535 ms.
	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthYellow, snap.State)
	assert.Contains(t, snap.Reason, "Avg TTFB 535 ms")
	assert.Contains(t, snap.Reason, "500 ms threshold")
	assert.Contains(t, snap.Reason, "120 s")
}

func TestEvaluateYellowDownloadRatio(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(20*time.Second, models.OK()),
		segmentAt(15*time.Second, models.OK(), 100, 0.95),
		segmentAt(5*time.Second, models.OK(), 100, 0.97),
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthYellow, snap.State)
	assert.Contains(t, snap.Reason, "download ratio")
	assert.Contains(t, snap.Reason, "0.90 threshold")
}

func TestEvaluateYellowPartialErrors(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(40*time.Second, models.OK()),
		segmentAt(35*time.Second, models.OK(), 100, 0.1),
		segmentAt(25*time.Second, models.HTTPError(404), 0, 0),
		manifestAt(20*time.Second, models.OK()),
		segmentAt(15*time.Second, models.OK(), 100, 0.1),
	}

	snap := e.Evaluate(now, samples)
	assert.Equal(t, models.HealthYellow, snap.State)
	assert.Equal(t, "Error rate 20% over last 120 s", snap.Reason)
}

func TestEvaluateAveragesSkipFailures(t *testing.T) {
	e := NewEvaluator(config.Default())
	samples := []models.MetricSample{
		manifestAt(30*time.Second, models.OK()),
		segmentAt(25*time.Second, models.OK(), 200, 0.2),
		// Failed probe with a huge TTFB must not poison the average.
		segmentAt(15*time.Second, models.Outcome{Class: models.OutcomeTimeout}, 5000, 0),
	}

	snap := e.Evaluate(now, samples)
	assert.InDelta(t, 120.0, snap.Window.AvgTTFBMs, 1e-9) // mean of 40 and 200
}
