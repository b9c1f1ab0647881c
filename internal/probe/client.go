// Package probe issues single observational HTTP requests against
// manifests and segments, measuring time to first byte, total transfer
// time and byte count. Probe failures are never errors: every outcome is
// encoded on the returned sample so the health window sees all of them.
package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/streamops/lookout/internal/models"
	"github.com/streamops/lookout/pkg/version"
)

const maxRedirects = 5

// Client performs observational probes with a hard per-request deadline.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// NewClient builds a probe client. The transport is dedicated so probe
// connection pools never interfere with other outbound traffic.
func NewClient(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					// Surface the last redirect response instead of
					// erroring so the outcome carries its status code.
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		timeout:   timeout,
		userAgent: "lookout/" + version.Version,
	}
}

// ProbeManifest fetches a playlist, returning the sample and the body for
// parsing. The body is nil unless the outcome is ok.
func (c *Client) ProbeManifest(ctx context.Context, url string) (models.MetricSample, []byte) {
	return c.do(ctx, url, models.ProbeManifest, true)
}

// ProbeSegment fetches one media segment, discarding the body while
// counting bytes. declaredDurationSec comes from the manifest and yields
// the download ratio on success.
func (c *Client) ProbeSegment(ctx context.Context, url string, declaredDurationSec float64) models.MetricSample {
	sample, _ := c.do(ctx, url, models.ProbeSegment, false)
	if declaredDurationSec > 0 {
		sample.DeclaredDurationMs = declaredDurationSec * 1000
		if sample.Outcome.IsOK() {
			sample.DownloadRatio = sample.TotalMs / sample.DeclaredDurationMs
		}
	}
	return sample
}

func (c *Client) do(ctx context.Context, url string, kind models.ProbeKind, keepBody bool) (models.MetricSample, []byte) {
	sample := models.MetricSample{
		Timestamp: time.Now(),
		Kind:      kind,
		URL:       url,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Now()
		},
	}
	reqCtx = httptrace.WithClientTrace(reqCtx, trace)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		sample.Outcome = models.Outcome{Class: models.OutcomeOther}
		sample.TotalMs = msSince(start)
		return sample, nil
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		sample.Outcome = classifyTransportError(err)
		sample.TotalMs = msSince(start)
		if !firstByte.IsZero() {
			sample.TTFBMs = msBetween(start, firstByte)
		}
		return sample, nil
	}
	defer resp.Body.Close()

	if !firstByte.IsZero() {
		sample.TTFBMs = msBetween(start, firstByte)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		sample.Outcome = models.HTTPError(resp.StatusCode)
		sample.TotalMs = msSince(start)
		return sample, nil
	}

	var body []byte
	var n int64
	var readErr error
	if keepBody {
		body, readErr = io.ReadAll(resp.Body)
		n = int64(len(body))
	} else {
		n, readErr = io.Copy(io.Discard, resp.Body)
	}
	sample.Bytes = n
	sample.TotalMs = msSince(start)

	if readErr != nil {
		// Response started but the body could not be read to the end;
		// partial byte count stays on the sample.
		sample.Outcome = classifyBodyError(readErr)
		return sample, nil
	}

	sample.Outcome = models.OK()
	return sample, body
}

// classifyTransportError maps request errors onto probe outcomes.
func classifyTransportError(err error) models.Outcome {
	var dnsErr *net.DNSError
	var opErr *net.OpError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.Outcome{Class: models.OutcomeTimeout}
	case errors.As(err, &dnsErr):
		return models.Outcome{Class: models.OutcomeDNS}
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return models.Outcome{Class: models.OutcomeConnect}
	case errors.As(err, &opErr) && opErr.Timeout():
		return models.Outcome{Class: models.OutcomeTimeout}
	default:
		return models.Outcome{Class: models.OutcomeOther}
	}
}

// classifyBodyError maps mid-body failures; a deadline hit during the
// body read still counts as a timeout.
func classifyBodyError(err error) models.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Outcome{Class: models.OutcomeTimeout}
	}
	return models.Outcome{Class: models.OutcomeOther}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

func msBetween(a, b time.Time) float64 {
	return float64(b.Sub(a)) / float64(time.Millisecond)
}
