package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/corpus-crawler/internal/telemetry"
)

// robotsMaxBytes is the most of a robots.txt file that is parsed; rules past
// it are ignored.
const robotsMaxBytes = 500 << 10

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport sits under the collector. Page requests pass straight
// through. robots.txt requests whose TLS handshake keeps timing out are
// retried and then answered with an allow-all file, so a slow robots host
// does not turn every page of a source into a failure. robots.txt bodies are
// capped at robotsMaxBytes.
type robotsTransport struct {
	base      http.RoundTripper
	backoff   []time.Duration
	fallbacks atomic.Int64
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{base: base, backoff: defaultRobotsBackoff}
}

// Fallbacks counts robots.txt requests answered with the allow-all file.
func (t *robotsTransport) Fallbacks() int64 {
	return t.fallbacks.Load()
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	resp, err := t.fetchRobots(req)
	if err != nil {
		return nil, err
	}
	resp.Body = limitBody(resp.Body, robotsMaxBytes)
	return resp, nil
}

func (t *robotsTransport) fetchRobots(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isHandshakeTimeout(err) {
			return nil, fmt.Errorf("robots.txt for %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.backoff) {
			t.fallbacks.Add(1)
			telemetry.ObserveProbeTLSHandshakeTimeout()
			return allowAllRobots(req), nil
		}
		if err := sleepCtx(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt for %s: %w", req.URL.Host, err)
		}
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isHandshakeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func limitBody(body io.ReadCloser, n int64) io.ReadCloser {
	if body == nil {
		return http.NoBody
	}
	return limitedBody{Reader: io.LimitReader(body, n), Closer: body}
}
