package main

import (
	"context"
	"time"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/events"
	"github.com/streamops/lookout/internal/handlers"
	"github.com/streamops/lookout/internal/incident"
	"github.com/streamops/lookout/internal/metrics"
	"github.com/streamops/lookout/internal/persist"
	"github.com/streamops/lookout/internal/registry"
	"github.com/streamops/lookout/internal/supervisor"
	"github.com/streamops/lookout/internal/thumbnail"
	"github.com/streamops/lookout/internal/websocket"
	pkgconfig "github.com/streamops/lookout/pkg/config"
	"github.com/streamops/lookout/pkg/logging"
	"github.com/streamops/lookout/pkg/monitoring"
	"github.com/streamops/lookout/pkg/server"
	"github.com/streamops/lookout/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Lookout (HLS stream observer)")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		HubConnections:  metricsCollector.NewGauge("websocket_hub_connections_active", "Active WebSocket hub connections", []string{"channel"}),
		EventsPublished: metricsCollector.NewCounter("push_events_published_total", "Push events published", []string{"event"}),
	}
	serviceMetrics.Probes, serviceMetrics.ProbeDuration, serviceMetrics.ProbeTTFB = metricsCollector.CreateProbeMetrics()
	serviceMetrics.ActiveItems, serviceMetrics.Operations, serviceMetrics.OperationDuration = metricsCollector.CreateBusinessMetrics()

	// Core pipeline
	bus := events.New()

	incidents, err := incident.NewManager(logger, cfg, bus)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize incident manager")
	}

	thumbs := thumbnail.NewCapturer(logger, cfg)
	sweeper := thumbs.StartSweeper()
	defer sweeper.Stop()

	reg := registry.New(registry.Deps{
		Logger:     logger,
		Config:     cfg,
		Bus:        bus,
		Incidents:  incidents,
		Thumbnails: thumbs,
		Persist:    persist.NewStore(cfg.StreamsFile),
		Instruments: &supervisor.Instruments{
			Probes:   serviceMetrics.Probes,
			Duration: serviceMetrics.ProbeDuration,
			TTFB:     serviceMetrics.ProbeTTFB,
		},
	})
	defer reg.Close()
	reg.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket push channel
	hub := websocket.NewHub(logger, serviceMetrics)
	go hub.Run(ctx)
	go hub.Bridge(ctx, bus)

	// Keep pipeline gauges current
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				streams, activeIncidents, _ := reg.Stats()
				serviceMetrics.ActiveItems.WithLabelValues("streams").Set(float64(streams))
				serviceMetrics.ActiveItems.WithLabelValues("incidents").Set(float64(activeIncidents))
				serviceMetrics.ActiveItems.WithLabelValues("ws_clients").Set(float64(hub.ClientCount()))
			}
		}
	}()

	// Add health checks
	if cfg.ThumbnailsEnabled {
		healthChecker.AddCheck("ffmpeg", monitoring.BinaryHealthCheck("ffmpeg", cfg.FFmpegPath))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"STREAMS_FILE":   cfg.StreamsFile,
		"THUMBNAILS_DIR": cfg.ThumbnailsDir,
		"FFMPEG_PATH":    cfg.FFmpegPath,
	}))
	healthChecker.SetDetails(func() map[string]interface{} {
		streams, activeIncidents, uptime := reg.Stats()
		return map[string]interface{}{
			"streams_monitored": streams,
			"active_incidents":  activeIncidents,
			"uptime_s":          int(uptime.Seconds()),
			"ws_clients":        hub.ClientCount(),
		}
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)

	lookoutHandlers := handlers.NewLookoutHandlers(logger, reg, hub, serviceMetrics)
	lookoutHandlers.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("lookout", "8080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
