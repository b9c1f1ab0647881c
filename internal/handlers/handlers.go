// Package handlers exposes the REST surface over the registry: stream
// CRUD, metrics history, incident queries, thumbnails, and the
// WebSocket push channel.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamops/lookout/internal/incident"
	"github.com/streamops/lookout/internal/metrics"
	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/internal/registry"
	"github.com/streamops/lookout/internal/websocket"
	"github.com/streamops/lookout/pkg/logging"
	"github.com/streamops/lookout/pkg/middleware"
	"github.com/streamops/lookout/pkg/version"
)

// LookoutHandlers contains the HTTP handlers for the service.
type LookoutHandlers struct {
	registry *registry.Registry
	hub      *websocket.Hub
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// NewLookoutHandlers creates a new handlers instance. serviceMetrics may
// be nil; operation metrics are then skipped.
func NewLookoutHandlers(logger logging.Logger, reg *registry.Registry, hub *websocket.Hub, serviceMetrics *metrics.Metrics) *LookoutHandlers {
	return &LookoutHandlers{
		registry: reg,
		hub:      hub,
		logger:   logger,
		metrics:  serviceMetrics,
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (h *LookoutHandlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.HandleRoot)
	router.GET("/ws", h.HandleWebSocket)

	api := router.Group("/api")
	{
		api.GET("/streams", h.HandleListStreams)
		api.POST("/streams", h.HandleCreateStream)
		api.GET("/streams/:id", h.HandleGetStream)
		api.DELETE("/streams/:id", h.HandleDeleteStream)
		api.GET("/streams/:id/metrics/history", h.HandleMetricsHistory)
		api.GET("/streams/:id/timeline", h.HandleTimeline)
		api.GET("/streams/:id/thumbnail", h.HandleThumbnail)
		api.GET("/streams/:id/thumbnail/file", h.HandleThumbnailFile)

		api.GET("/incidents", h.HandleListIncidents)
		api.GET("/incidents/:id", h.HandleGetIncident)
		api.POST("/incidents/:id/acknowledge", h.HandleAcknowledgeIncident)
	}
}

// HandleRoot describes the service.
func (h *LookoutHandlers) HandleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "lookout",
		"version": version.GetInfo(),
		"docs":    "/api/streams, /api/incidents, /ws, /health, /metrics",
	})
}

// HandleWebSocket upgrades to the push channel.
func (h *LookoutHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleListStreams lists all monitored streams with health summaries.
func (h *LookoutHandlers) HandleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

type createStreamRequest struct {
	Name        string `json:"name"`
	ManifestURL string `json:"manifest_url"`
}

// HandleCreateStream adds a stream; monitoring starts immediately.
// Accepts name and manifest_url as query parameters or a JSON body.
func (h *LookoutHandlers) HandleCreateStream(c *gin.Context) {
	name := c.Query("name")
	manifestURL := c.Query("manifest_url")
	if manifestURL == "" {
		var req createStreamRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			name = req.Name
			manifestURL = req.ManifestURL
		}
	}

	start := time.Now()
	stream, err := h.registry.Add(name, manifestURL)
	h.recordOperation("stream_add", start, err)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidURL) || errors.Is(err, registry.ErrDuplicateURL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Failed to add stream")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add stream"})
		return
	}
	c.JSON(http.StatusCreated, stream)
}

// HandleGetStream returns the full detail projection for one stream.
func (h *LookoutHandlers) HandleGetStream(c *gin.Context) {
	detail, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// HandleDeleteStream removes a stream from monitoring.
func (h *LookoutHandlers) HandleDeleteStream(c *gin.Context) {
	id := c.Param("id")
	start := time.Now()
	err := h.registry.Remove(id)
	h.recordOperation("stream_remove", start, err)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "stream_id": id})
}

// HandleMetricsHistory returns per-minute aggregates for charts.
func (h *LookoutHandlers) HandleMetricsHistory(c *gin.Context) {
	minutes := intQuery(c, "minutes", 30)
	payload, err := h.registry.History(c.Param("id"), minutes)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// HandleTimeline returns recent timeline events for a stream.
func (h *LookoutHandlers) HandleTimeline(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	timeline, err := h.registry.Timeline(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, timeline)
}

// HandleThumbnail returns the latest thumbnail URL for a stream.
func (h *LookoutHandlers) HandleThumbnail(c *gin.Context) {
	id := c.Param("id")
	name, err := h.registry.Thumbnail(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	if name == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"thumbnail_url": "/api/streams/" + id + "/thumbnail/file",
		"stream_id":     id,
	})
}

// HandleThumbnailFile serves the thumbnail image directly.
func (h *LookoutHandlers) HandleThumbnailFile(c *gin.Context) {
	name, err := h.registry.Thumbnail(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	if name == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail available"})
		return
	}
	c.Header("Cache-Control", "public, max-age=30")
	c.File(h.registry.ThumbnailPath(name))
}

// HandleListIncidents filters incidents by stream and activity.
func (h *LookoutHandlers) HandleListIncidents(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active_only", "false"))
	incidents := h.registry.Incidents(c.Query("stream_id"), activeOnly)
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	c.JSON(http.StatusOK, incidents)
}

// HandleGetIncident returns one incident with its full timeline.
func (h *LookoutHandlers) HandleGetIncident(c *gin.Context) {
	inc, err := h.registry.Incident(c.Param("id"))
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load incident"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

// HandleAcknowledgeIncident marks an incident acknowledged; idempotent.
func (h *LookoutHandlers) HandleAcknowledgeIncident(c *gin.Context) {
	start := time.Now()
	inc, err := h.registry.Acknowledge(c.Param("id"))
	h.recordOperation("incident_ack", start, err)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge incident"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *LookoutHandlers) recordOperation(op string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	h.metrics.Operations.WithLabelValues(op, status).Inc()
	h.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
