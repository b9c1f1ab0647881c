// Package metricstore keeps the bounded in-memory probe history for a
// single stream. One supervisor goroutine appends; API handlers read
// concurrently. Readers always receive copies, so a snapshot taken
// before an append still reflects the pre-append state.
package metricstore

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/streamops/lookout/internal/models"
)

// transitionCap bounds retained health transitions. At the default
// 10 s poll interval a stream flapping on every tick stays within
// this for well over an hour.
const transitionCap = 1024

// Store is a fixed-capacity ring of metric samples plus the health
// transition log used by the history endpoint.
type Store struct {
	mu sync.RWMutex

	samples []models.MetricSample
	next    int // ring slot for the next append
	size    int

	transitions []models.HealthTransition
}

// New returns a store retaining at most capacity samples. Older
// samples are overwritten once the ring is full.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		samples:     make([]models.MetricSample, capacity),
		transitions: make([]models.HealthTransition, 0, 64),
	}
}

// Append records one probe sample, evicting the oldest when full.
func (s *Store) Append(sample models.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[s.next] = sample
	s.next = (s.next + 1) % len(s.samples)
	if s.size < len(s.samples) {
		s.size++
	}
}

// Len reports how many samples are currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Last returns the most recent sample, if any.
func (s *Store) Last() (models.MetricSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size == 0 {
		return models.MetricSample{}, false
	}
	idx := (s.next - 1 + len(s.samples)) % len(s.samples)
	return s.samples[idx], true
}

// Window returns a copy of the samples observed in the d before now,
// oldest first. Appends happen in timestamp order, so the scan walks
// back from the newest sample and stops at the first one outside the
// window.
func (s *Store) Window(now time.Time, d time.Duration) []models.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-d)
	n := 0
	for ; n < s.size; n++ {
		idx := (s.next - 1 - n + 2*len(s.samples)) % len(s.samples)
		if s.samples[idx].Timestamp.Before(cutoff) {
			break
		}
	}
	if n == 0 {
		return nil
	}

	out := make([]models.MetricSample, n)
	for i := 0; i < n; i++ {
		idx := (s.next - n + i + 2*len(s.samples)) % len(s.samples)
		out[i] = s.samples[idx]
	}
	return out
}

// All returns a copy of every retained sample, oldest first.
func (s *Store) All() []models.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MetricSample, s.size)
	for i := 0; i < s.size; i++ {
		idx := (s.next - s.size + i + 2*len(s.samples)) % len(s.samples)
		out[i] = s.samples[idx]
	}
	return out
}

// RecordTransition appends a health state change to the transition log,
// dropping the oldest entry when the log is full.
func (s *Store) RecordTransition(tr models.HealthTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.transitions) >= transitionCap {
		copy(s.transitions, s.transitions[1:])
		s.transitions = s.transitions[:len(s.transitions)-1]
	}
	s.transitions = append(s.transitions, tr)
}

// Transitions returns a copy of the health transitions in the d before
// now, oldest first.
func (s *Store) Transitions(now time.Time, d time.Duration) []models.HealthTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-d)
	start := len(s.transitions)
	for start > 0 && !s.transitions[start-1].TS.Before(cutoff) {
		start--
	}
	if start == len(s.transitions) {
		return nil
	}
	out := make([]models.HealthTransition, len(s.transitions)-start)
	copy(out, s.transitions[start:])
	return out
}

// History aggregates the requested window into per-minute chart buckets
// with TTFB percentiles and an error-rate series.
func (s *Store) History(streamID string, now time.Time, windowMinutes int) models.HistoryPayload {
	if windowMinutes < 1 {
		windowMinutes = 1
	}
	window := time.Duration(windowMinutes) * time.Minute
	samples := s.Window(now, window)

	payload := models.HistoryPayload{
		StreamID:        streamID,
		WindowMinutes:   windowMinutes,
		DataPoints:      []models.HistoryBucket{},
		ErrorRateSeries: []models.ErrorRatePoint{},
		HealthTimeline:  s.Transitions(now, window),
	}
	if payload.HealthTimeline == nil {
		payload.HealthTimeline = []models.HealthTransition{}
	}

	type agg struct {
		ttfbSum    float64
		ttfbCount  int
		ratioSum   float64
		ratioCount int
		errors     int
		total      int
	}
	buckets := make(map[time.Time]*agg)
	order := make([]time.Time, 0, windowMinutes)

	digest := tdigest.NewWithCompression(100)
	okTTFBs := 0

	for _, sm := range samples {
		minute := sm.Timestamp.Truncate(time.Minute)
		b, ok := buckets[minute]
		if !ok {
			b = &agg{}
			buckets[minute] = b
			order = append(order, minute)
		}
		b.total++
		if !sm.Outcome.IsOK() {
			b.errors++
			continue
		}
		if sm.TTFBMs > 0 {
			b.ttfbSum += sm.TTFBMs
			b.ttfbCount++
			digest.Add(sm.TTFBMs, 1)
			okTTFBs++
		}
		if sm.HasRatio() {
			b.ratioSum += sm.DownloadRatio
			b.ratioCount++
		}
	}

	for _, minute := range order {
		b := buckets[minute]
		point := models.HistoryBucket{
			TS:          minute,
			ErrorCount:  b.errors,
			SampleCount: b.total,
		}
		if b.ttfbCount > 0 {
			point.AvgTTFBMs = b.ttfbSum / float64(b.ttfbCount)
		}
		if b.ratioCount > 0 {
			point.AvgRatio = b.ratioSum / float64(b.ratioCount)
		}
		payload.DataPoints = append(payload.DataPoints, point)
		payload.ErrorRateSeries = append(payload.ErrorRateSeries, models.ErrorRatePoint{
			TS:        minute,
			ErrorRate: float64(b.errors) / float64(b.total),
		})
	}

	if okTTFBs > 0 {
		payload.TTFBP50Ms = digest.Quantile(0.50)
		payload.TTFBP95Ms = digest.Quantile(0.95)
	}
	return payload
}
