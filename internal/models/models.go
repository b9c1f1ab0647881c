// Package models defines the domain types shared across the observation
// and incident pipeline: streams, metric samples, health snapshots,
// incidents and their timelines, root causes, and push events.
package models

import (
	"fmt"
	"time"
)

// ProbeKind distinguishes manifest probes from segment probes.
type ProbeKind string

const (
	ProbeManifest ProbeKind = "manifest"
	ProbeSegment  ProbeKind = "segment"
)

// OutcomeClass enumerates how a probe ended.
type OutcomeClass string

const (
	OutcomeOK         OutcomeClass = "ok"
	OutcomeHTTPError  OutcomeClass = "http_error"
	OutcomeTimeout    OutcomeClass = "timeout"
	OutcomeDNS        OutcomeClass = "dns"
	OutcomeConnect    OutcomeClass = "connect"
	OutcomeParseError OutcomeClass = "parse_error"
	OutcomeOther      OutcomeClass = "other"
)

// Outcome is the tagged result of a single probe. HTTPCode is set only
// for http_error outcomes.
type Outcome struct {
	Class    OutcomeClass `json:"class"`
	HTTPCode int          `json:"http_code,omitempty"`
}

// OK returns the success outcome.
func OK() Outcome { return Outcome{Class: OutcomeOK} }

// HTTPError returns an http_error outcome carrying the status code.
func HTTPError(code int) Outcome { return Outcome{Class: OutcomeHTTPError, HTTPCode: code} }

// IsOK reports whether the probe succeeded.
func (o Outcome) IsOK() bool { return o.Class == OutcomeOK }

// String renders the outcome as it appears in reasons and timeline
// messages, e.g. "ok" or "http_error(503)".
func (o Outcome) String() string {
	if o.Class == OutcomeHTTPError && o.HTTPCode > 0 {
		return fmt.Sprintf("%s(%d)", o.Class, o.HTTPCode)
	}
	return string(o.Class)
}

// Stream is the immutable configuration of one observed HLS endpoint.
type Stream struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ManifestURL string    `json:"manifest_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetricSample is one probe observation. Timestamp values come from
// time.Now and so carry both the wall clock and the monotonic reading
// used for ordering. DeclaredDurationMs and DownloadRatio are populated
// only for segment probes; DownloadRatio is defined only when the probe
// succeeded and a positive duration was declared in the manifest.
type MetricSample struct {
	Timestamp          time.Time `json:"timestamp"`
	Kind               ProbeKind `json:"kind"`
	URL                string    `json:"url"`
	Outcome            Outcome   `json:"outcome"`
	TTFBMs             float64   `json:"ttfb_ms,omitempty"`
	TotalMs            float64   `json:"total_ms"`
	Bytes              int64     `json:"bytes"`
	DeclaredDurationMs float64   `json:"declared_duration_ms,omitempty"`
	DownloadRatio      float64   `json:"download_ratio,omitempty"`
}

// HasRatio reports whether DownloadRatio is defined for this sample.
func (s MetricSample) HasRatio() bool {
	return s.Kind == ProbeSegment && s.Outcome.IsOK() && s.DeclaredDurationMs > 0
}

// HealthState is the tri-state stream health. Unknown is reported before
// the first evaluation produces a window.
type HealthState string

const (
	HealthUnknown HealthState = "UNKNOWN"
	HealthGreen   HealthState = "GREEN"
	HealthYellow  HealthState = "YELLOW"
	HealthRed     HealthState = "RED"
)

// WindowStats aggregates the evaluation window backing a snapshot.
type WindowStats struct {
	ErrorCount       int     `json:"error_count"`
	AvgTTFBMs        float64 `json:"avg_ttfb_ms"`
	AvgDownloadRatio float64 `json:"avg_download_ratio"`
	SampleCount      int     `json:"sample_count"`
}

// HealthSnapshot is the evaluated health of a stream at a point in time.
type HealthSnapshot struct {
	State     HealthState `json:"state"`
	Reason    string      `json:"reason"`
	UpdatedAt time.Time   `json:"updated_at"`
	Window    WindowStats `json:"window_stats"`
}

// HealthTransition records a state change for the history timeline.
type HealthTransition struct {
	TS     time.Time   `json:"ts"`
	From   HealthState `json:"from"`
	To     HealthState `json:"to"`
	Reason string      `json:"reason"`
}

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "OPEN"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

// Active reports whether the incident still demands attention.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentAcknowledged
}

// TimelineEventKind enumerates timeline entries.
type TimelineEventKind string

const (
	EventSegmentOK            TimelineEventKind = "segment_ok"
	EventSegmentFail          TimelineEventKind = "segment_fail"
	EventManifestFail         TimelineEventKind = "manifest_fail"
	EventHealthTransition     TimelineEventKind = "health_transition"
	EventIncidentOpened       TimelineEventKind = "incident_opened"
	EventIncidentAcknowledged TimelineEventKind = "incident_acknowledged"
	EventIncidentResolved     TimelineEventKind = "incident_resolved"
	EventThumbnailCaptured    TimelineEventKind = "thumbnail_captured"
)

// TimelineEvent is one append-only entry on an incident timeline. IDs are
// monotone per stream; ordering is by timestamp with ID as tie-break.
type TimelineEvent struct {
	ID         int64             `json:"id"`
	TS         time.Time         `json:"ts"`
	Kind       TimelineEventKind `json:"kind"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Incident is an operator-facing record of a sustained problem.
// MetricsSnapshot captures the window stats at the moment of opening.
type Incident struct {
	ID              string          `json:"id"`
	StreamID        string          `json:"stream_id"`
	Status          IncidentStatus  `json:"status"`
	OpenedAt        time.Time       `json:"opened_at"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	TriggerReason   string          `json:"trigger_reason"`
	MetricsSnapshot WindowStats     `json:"metrics_snapshot"`
	Timeline        []TimelineEvent `json:"timeline"`
}

// Clone returns a deep copy so readers never share timeline storage with
// the incident manager.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	if i.AcknowledgedAt != nil {
		t := *i.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Timeline = make([]TimelineEvent, len(i.Timeline))
	copy(out.Timeline, i.Timeline)
	for idx, ev := range out.Timeline {
		if ev.Attributes != nil {
			attrs := make(map[string]string, len(ev.Attributes))
			for k, v := range ev.Attributes {
				attrs[k] = v
			}
			out.Timeline[idx].Attributes = attrs
		}
	}
	return &out
}

// RootCauseLabel is one of the fixed classifier outputs.
type RootCauseLabel string

const (
	CauseOriginOutage         RootCauseLabel = "Origin/CDN Outage"
	CauseEncoderPackager      RootCauseLabel = "Encoder/Packager Issue"
	CauseNetworkCongestion    RootCauseLabel = "Network Congestion"
	CauseEdgeLatency          RootCauseLabel = "CDN Edge Latency"
	CauseIntermittent         RootCauseLabel = "Intermittent Failures"
	CauseInsufficientEvidence RootCauseLabel = "Insufficient Evidence"
)

// Confidence grades a root-cause classification. Empty for
// Insufficient Evidence.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// RootCause is a rule-based classification with supporting evidence.
type RootCause struct {
	Label      RootCauseLabel `json:"label"`
	Confidence Confidence     `json:"confidence,omitempty"`
	Evidence   []string       `json:"evidence"`
}

// StreamSummary is the list-view projection of a stream.
type StreamSummary struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ManifestURL      string         `json:"manifest_url"`
	CreatedAt        time.Time      `json:"created_at"`
	Health           HealthSnapshot `json:"health"`
	ActiveIncidentID string         `json:"active_incident_id,omitempty"`
}

// StreamDetail is the full single-stream projection.
type StreamDetail struct {
	StreamSummary
	Incident     *Incident  `json:"incident,omitempty"`
	RootCause    *RootCause `json:"root_cause,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
}

// HistoryBucket is one per-minute aggregation point for charts.
type HistoryBucket struct {
	TS          time.Time `json:"ts"`
	AvgTTFBMs   float64   `json:"avg_ttfb_ms"`
	AvgRatio    float64   `json:"avg_ratio"`
	ErrorCount  int       `json:"error_count"`
	SampleCount int       `json:"sample_count"`
}

// ErrorRatePoint is one per-minute error-rate observation.
type ErrorRatePoint struct {
	TS        time.Time `json:"ts"`
	ErrorRate float64   `json:"error_rate"`
}

// HistoryPayload backs the metrics history endpoint.
type HistoryPayload struct {
	StreamID        string             `json:"stream_id"`
	WindowMinutes   int                `json:"window_minutes"`
	DataPoints      []HistoryBucket    `json:"data_points"`
	TTFBP50Ms       float64            `json:"ttfb_p50_ms"`
	TTFBP95Ms       float64            `json:"ttfb_p95_ms"`
	HealthTimeline  []HealthTransition `json:"health_timeline"`
	ErrorRateSeries []ErrorRatePoint   `json:"error_rate_series"`
}

// EventKind enumerates push-channel events.
type EventKind string

const (
	EventHealthChanged        EventKind = "health_changed"
	EventKindIncidentOpened   EventKind = "incident_opened"
	EventKindIncidentAcked    EventKind = "incident_acknowledged"
	EventKindIncidentResolved EventKind = "incident_resolved"
	EventSampleAppended       EventKind = "sample_appended"
)

// Event is one push-channel message.
type Event struct {
	Event    EventKind   `json:"event"`
	StreamID string      `json:"stream_id"`
	Payload  interface{} `json:"payload"`
	TS       time.Time   `json:"ts"`
}
