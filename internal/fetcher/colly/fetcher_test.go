package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.Equal(t, defaultTimeout, f.cfg.Timeout)
	require.Equal(t, defaultMaxBodySize, f.cfg.MaxBodySize)
	require.Zero(t, f.RobotsFallbacks())
}

func TestCollectorForRequestOverrides(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "corpus-test", RespectRobots: true, Timeout: time.Second, MaxBodySize: 64})
	collector := f.collectorFor(context.Background(), crawler.FetchRequest{
		URL:                   "https://example.com",
		RespectRobotsProvided: true,
		RespectRobots:         false,
	})
	require.Equal(t, "corpus-test", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt, "request override wins over config")
	require.True(t, collector.AllowURLRevisit)
	require.True(t, collector.ParseHTTPErrorResponse)
	require.Equal(t, 64, collector.MaxBodySize)

	collector = f.collectorFor(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.False(t, collector.IgnoreRobotsTxt)
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	v := &visit{
		request: crawler.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Source": {"wiki"}}},
		start:   time.Now(),
	}
	hooks := &stubHooks{}
	v.attach(hooks)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "wiki", req.Headers.Get("X-Source"))

	body := []byte("<p>hi</p>")
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusGone,
		Body:       body,
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/moved")},
	})
	body[0] = 'X'
	require.Equal(t, http.StatusGone, v.result.StatusCode)
	require.Equal(t, "<p>hi</p>", string(v.result.Body), "body is copied out of colly's buffer")
	require.Equal(t, "https://example.com/moved", v.result.URL)
	require.Equal(t, "text/html", v.result.Headers.Get("Content-Type"))

	hooks.onError(nil, errors.New("reset by peer"))
	require.EqualError(t, v.err, "reset by peer")
}

func TestVisitWithoutHeaders(t *testing.T) {
	t.Parallel()

	v := &visit{}
	req := &colly.Request{Headers: &http.Header{}}
	v.onRequest(req)
	require.Empty(t, *req.Headers)
}

func TestFetchReturnsBodyAndErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			if r.UserAgent() != "corpus-test" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>hello</body></html>"))
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "corpus-test", Timeout: 2 * time.Second})
	ctx := context.Background()

	resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/article"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html><body>hello</body></html>", string(resp.Body))
	require.False(t, resp.UsedHeadless)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/article"})
	require.NoError(t, err, "retries revisit the same URL")

	resp, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/busy"})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "7", resp.Headers.Get("Retry-After"))

	resp, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{MaxBodySize: 1024})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 1024)
}

func TestFetchHonorsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/page"})
	require.ErrorIs(t, err, crawler.ErrRobotsBlocked)
	require.Equal(t, crawler.FailurePermanent, crawler.ClassifyFetch(err))

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/public"})
	require.NoError(t, err)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Fetch(ctx, crawler.FetchRequest{URL: "http://127.0.0.1:1/"})
	require.Error(t, err)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
