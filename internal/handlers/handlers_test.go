package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamops/lookout/internal/config"
	"github.com/streamops/lookout/internal/events"
	"github.com/streamops/lookout/internal/incident"
	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/internal/persist"
	"github.com/streamops/lookout/internal/registry"
	"github.com/streamops/lookout/internal/websocket"
	"github.com/streamops/lookout/pkg/logging"
)

type harness struct {
	router *gin.Engine
	reg    *registry.Registry
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.PollInterval = 25 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.ThumbnailEveryK = 0
	cfg.StopGrace = 2 * time.Second

	bus := events.New()
	mgr, err := incident.NewManager(logger, cfg, bus)
	require.NoError(t, err)

	reg := registry.New(registry.Deps{
		Logger:    logger,
		Config:    cfg,
		Bus:       bus,
		Incidents: mgr,
		Persist:   persist.NewStore(filepath.Join(t.TempDir(), "streams.json")),
	})
	t.Cleanup(reg.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := websocket.NewHub(logger, nil)
	go hub.Run(ctx)
	go hub.Bridge(ctx, bus)

	router := gin.New()
	NewLookoutHandlers(logger, reg, hub, nil).RegisterRoutes(router)
	return &harness{router: router, reg: reg, bus: bus}
}

func (h *harness) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func healthyOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:1\n"+
			"#EXTINF:6.0,\nseg1.ts\n#EXTINF:6.0,\nseg2.ts\n#EXTINF:6.0,\nseg3.ts\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func failingOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func createStream(t *testing.T, h *harness, name, manifestURL string) models.Stream {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/streams?name="+name+"&manifest_url="+manifestURL)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var stream models.Stream
	decode(t, rec, &stream)
	return stream
}

func TestListStreamsEmpty(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/streams")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateAndGetStream(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)

	stream := createStream(t, h, "Main+Feed", srv.URL+"/live.m3u8")
	assert.Len(t, stream.ID, 8)
	assert.Equal(t, "Main Feed", stream.Name)

	rec := h.do(t, http.MethodGet, "/api/streams/"+stream.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail models.StreamDetail
	decode(t, rec, &detail)
	assert.Equal(t, stream.ID, detail.ID)
	assert.Equal(t, srv.URL+"/live.m3u8", detail.ManifestURL)
}

func TestCreateStreamFromJSONBody(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)

	body := `{"name": "Body Feed", "manifest_url": "` + srv.URL + `/live.m3u8"}`
	req := httptest.NewRequest(http.MethodPost, "/api/streams", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var stream models.Stream
	decode(t, rec, &stream)
	assert.Equal(t, "Body Feed", stream.Name)
}

func TestCreateStreamRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)

	rec := h.do(t, http.MethodPost, "/api/streams?name=x")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["error"], "invalid manifest url")

	rec = h.do(t, http.MethodPost, "/api/streams?manifest_url=ftp://origin/live.m3u8")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	createStream(t, h, "a", srv.URL+"/live.m3u8")
	rec = h.do(t, http.MethodPost, "/api/streams?name=b&manifest_url="+srv.URL+"/live.m3u8")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &body)
	assert.Contains(t, body["error"], "already monitored")
}

func TestGetStreamNotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/streams/deadbeef")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteStream(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)
	stream := createStream(t, h, "gone", srv.URL+"/live.m3u8")

	rec := h.do(t, http.MethodDelete, "/api/streams/"+stream.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "deleted", body["status"])
	assert.Equal(t, stream.ID, body["stream_id"])

	rec = h.do(t, http.MethodDelete, "/api/streams/"+stream.ID)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHistory(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)
	stream := createStream(t, h, "hist", srv.URL+"/live.m3u8")

	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/streams/"+stream.ID+"/metrics/history?minutes=5")
		if rec.Code != http.StatusOK {
			return false
		}
		var payload models.HistoryPayload
		if json.Unmarshal(rec.Body.Bytes(), &payload) != nil {
			return false
		}
		return payload.StreamID == stream.ID && len(payload.DataPoints) > 0
	}, 3*time.Second, 50*time.Millisecond)

	// Out-of-range minutes clamp rather than error.
	rec := h.do(t, http.MethodGet, "/api/streams/"+stream.ID+"/metrics/history?minutes=9999")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/streams/nope/metrics/history")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTimelineEmptyWithoutIncident(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)
	stream := createStream(t, h, "quiet", srv.URL+"/live.m3u8")

	rec := h.do(t, http.MethodGet, "/api/streams/"+stream.ID+"/timeline")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	srv := failingOrigin(t)
	stream := createStream(t, h, "down", srv.URL+"/live.m3u8")

	var incidents []*models.Incident
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/incidents?active_only=true&stream_id="+stream.ID)
		if rec.Code != http.StatusOK {
			return false
		}
		incidents = nil
		if json.Unmarshal(rec.Body.Bytes(), &incidents) != nil {
			return false
		}
		return len(incidents) == 1
	}, 5*time.Second, 50*time.Millisecond)

	id := incidents[0].ID
	rec := h.do(t, http.MethodGet, "/api/incidents/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var inc models.Incident
	decode(t, rec, &inc)
	assert.Equal(t, stream.ID, inc.StreamID)
	assert.NotEmpty(t, inc.Timeline)

	rec = h.do(t, http.MethodPost, "/api/incidents/"+id+"/acknowledge")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &inc)
	assert.Equal(t, models.IncidentAcknowledged, inc.Status)

	// Acknowledging twice is a no-op, not an error.
	rec = h.do(t, http.MethodPost, "/api/incidents/"+id+"/acknowledge")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/incidents/missing/acknowledge")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListIncidentsEmptyIsArray(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/incidents")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestThumbnailUnavailable(t *testing.T) {
	h := newHarness(t)
	srv := healthyOrigin(t)
	stream := createStream(t, h, "cam", srv.URL+"/live.m3u8")

	rec := h.do(t, http.MethodGet, "/api/streams/"+stream.ID+"/thumbnail")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["error"], "no thumbnail")

	rec = h.do(t, http.MethodGet, "/api/streams/"+stream.ID+"/thumbnail/file")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRootDescribesService(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "lookout", body["service"])
}

func TestWebSocketPushesEvents(t *testing.T) {
	h := newHarness(t)

	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	origin := failingOrigin(t)
	createStream(t, h, "pushy", origin.URL+"/live.m3u8")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"event"`)
}
