package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamops/lookout/internal/models"
)

func TestProbeManifestOK(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg-1.ts\n"
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample, body := c.ProbeManifest(context.Background(), s.URL)

	assert.Equal(t, models.OutcomeOK, sample.Outcome.Class)
	assert.Equal(t, models.ProbeManifest, sample.Kind)
	assert.Equal(t, s.URL, sample.URL)
	assert.Equal(t, playlist, string(body))
	assert.Equal(t, int64(len(playlist)), sample.Bytes)
	assert.Greater(t, sample.TTFBMs, 0.0)
	assert.GreaterOrEqual(t, sample.TotalMs, sample.TTFBMs)
}

func TestProbeSegmentRatio(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample := c.ProbeSegment(context.Background(), s.URL, 6.0)

	require.Equal(t, models.OutcomeOK, sample.Outcome.Class)
	assert.Equal(t, int64(4096), sample.Bytes)
	assert.Equal(t, 6000.0, sample.DeclaredDurationMs)
	assert.True(t, sample.HasRatio())
	assert.InDelta(t, sample.TotalMs/6000.0, sample.DownloadRatio, 1e-9)
}

func TestProbeSegmentNoDeclaredDuration(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample := c.ProbeSegment(context.Background(), s.URL, 0)
	assert.False(t, sample.HasRatio())
	assert.Zero(t, sample.DownloadRatio)
}

func TestProbeHTTPError(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample, body := c.ProbeManifest(context.Background(), s.URL)

	assert.Equal(t, models.OutcomeHTTPError, sample.Outcome.Class)
	assert.Equal(t, http.StatusServiceUnavailable, sample.Outcome.HTTPCode)
	assert.Nil(t, body)
	// A response arrived, so first-byte timing is recorded.
	assert.Greater(t, sample.TTFBMs, 0.0)
}

func TestProbeRedirectExhaustion(t *testing.T) {
	var s *httptest.Server
	s = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample, _ := c.ProbeManifest(context.Background(), s.URL+"/a")

	assert.Equal(t, models.OutcomeHTTPError, sample.Outcome.Class)
	assert.Equal(t, http.StatusFound, sample.Outcome.HTTPCode)
}

func TestProbeFollowsFewRedirects(t *testing.T) {
	mux := http.NewServeMux()
	s := httptest.NewServer(mux)
	defer s.Close()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.URL+"/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:4\n"))
	})

	c := NewClient(2 * time.Second)
	sample, body := c.ProbeManifest(context.Background(), s.URL+"/start")
	assert.Equal(t, models.OutcomeOK, sample.Outcome.Class)
	assert.NotEmpty(t, body)
}

func TestProbeTimeout(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer s.Close()

	c := NewClient(100 * time.Millisecond)
	start := time.Now()
	sample, _ := c.ProbeManifest(context.Background(), s.URL)

	assert.Equal(t, models.OutcomeTimeout, sample.Outcome.Class)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeDNSFailure(t *testing.T) {
	c := NewClient(3 * time.Second)
	sample, _ := c.ProbeManifest(context.Background(), "http://lookout-does-not-exist.invalid/master.m3u8")
	assert.Equal(t, models.OutcomeDNS, sample.Outcome.Class)
}

func TestProbeConnectRefused(t *testing.T) {
	// Grab a port that is guaranteed closed by listening and releasing it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewClient(2 * time.Second)
	sample, _ := c.ProbeManifest(context.Background(), fmt.Sprintf("http://%s/x.m3u8", addr))
	assert.Equal(t, models.OutcomeConnect, sample.Outcome.Class)
}

func TestProbeMidBodyFailure(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer s.Close()

	c := NewClient(2 * time.Second)
	sample := c.ProbeSegment(context.Background(), s.URL, 6.0)

	assert.Equal(t, models.OutcomeOther, sample.Outcome.Class)
	assert.Equal(t, int64(10), sample.Bytes)
	// Ratio is undefined for failed probes even with a declared duration.
	assert.False(t, sample.HasRatio())
	assert.Zero(t, sample.DownloadRatio)
}

func TestProbeCancellation(t *testing.T) {
	blocked := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(blocked)
	}))
	defer s.Close()

	c := NewClient(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	sample, _ := c.ProbeManifest(ctx, s.URL)

	assert.NotEqual(t, models.OutcomeOK, sample.Outcome.Class)
	assert.Less(t, time.Since(start), 2*time.Second)
	<-blocked
}
