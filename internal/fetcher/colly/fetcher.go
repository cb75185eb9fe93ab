// Package collyfetcher is the plain-HTTP fetcher of the pool, built on a
// colly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize truncates response bodies; zero means 10 MiB.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher. Non-2xx responses come back as regular
// responses so the worker can classify them; only transport failures and
// robots refusals are errors.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	robots    *robotsTransport
	base      *colly.Collector
}

// hookRegistrar is the part of *colly.Collector a visit attaches to.
type hookRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. All fetches share one connection pool; robots.txt
// rules are cached per host by the collector.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	transport := newHTTPTransport()

	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	base.MaxBodySize = cfg.MaxBodySize
	base.WithTransport(transport)

	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		robots:    newRobotsTransport(transport),
		base:      base,
	}
}

// RobotsFallbacks counts robots.txt lookups that were answered with allow-all
// after repeated TLS handshake timeouts.
func (f *Fetcher) RobotsFallbacks() int64 {
	if f.robots == nil {
		return 0
	}
	return f.robots.Fallbacks()
}

// Fetch issues one GET for request.URL.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	v := &visit{request: request, start: time.Now()}
	collector := f.collectorFor(ctx, request)
	v.attach(collector)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, mapVisitError(err))
		}
		if v.err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, v.err)
		}
		return v.result, nil
	}
}

// collectorFor clones the shared collector and applies per-request settings.
func (f *Fetcher) collectorFor(ctx context.Context, request crawler.FetchRequest) *colly.Collector {
	collector := f.base.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	respectRobots := f.cfg.RespectRobots
	if request.RespectRobotsProvided {
		respectRobots = request.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots

	switch {
	case respectRobots && f.robots != nil:
		collector.WithTransport(f.robots)
	case f.transport != nil:
		collector.WithTransport(f.transport)
	default:
		collector.WithTransport(newHTTPTransport())
	}
	return collector
}

// visit collects the outcome of a single collector run.
type visit struct {
	request crawler.FetchRequest
	start   time.Time
	result  crawler.FetchResponse
	err     error
}

func (v *visit) attach(hooks hookRegistrar) {
	hooks.OnRequest(v.onRequest)
	hooks.OnResponse(v.onResponse)
	hooks.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	v.result = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

// mapVisitError translates colly's sentinels into the crawler taxonomy.
func mapVisitError(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("%w: %w", crawler.ErrRobotsBlocked, err)
	case errors.Is(err, colly.ErrMissingURL), errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrForbiddenDomain), errors.Is(err, colly.ErrNoURLFiltersMatch):
		return fmt.Errorf("%w: %w", crawler.ErrMalformedURL, err)
	default:
		return err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
