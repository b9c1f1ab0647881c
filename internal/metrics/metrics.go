package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the lookout service
type Metrics struct {
	// Outbound probe metrics
	Probes        *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec
	ProbeTTFB     *prometheus.HistogramVec

	// WebSocket push metrics
	HubConnections  *prometheus.GaugeVec
	EventsPublished *prometheus.CounterVec

	// API mutation metrics
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Pipeline state gauges, refreshed periodically from the registry
	ActiveItems *prometheus.GaugeVec
}
