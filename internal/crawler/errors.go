package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors shared by the pipeline stages.
var (
	ErrExtraction    = errors.New("extraction failed")
	ErrMalformedURL  = errors.New("malformed url")
	ErrRobotsBlocked = errors.New("blocked by robots.txt")
)

// FetchError carries the HTTP status of an unsuccessful fetch.
type FetchError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Failure groups fetch errors by how the pool must react.
type Failure int

// Failure kinds.
const (
	FailureNone Failure = iota
	FailureTransient
	FailurePermanent
	FailureCanceled
)

func (f Failure) String() string {
	switch f {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// ClassifyFetch maps a fetch error onto the retry taxonomy.
func ClassifyFetch(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	if errors.Is(err, ErrMalformedURL) || errors.Is(err, ErrRobotsBlocked) {
		return FailurePermanent
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		return ClassifyStatus(fetchErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return FailurePermanent
		}
		return FailureTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return FailurePermanent
	}
	// Connection resets, refusals and unexpected EOFs all land here.
	return FailureTransient
}

// ClassifyStatus maps an HTTP status code onto the retry taxonomy.
func ClassifyStatus(code int) Failure {
	switch {
	case code >= 200 && code < 300:
		return FailureNone
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return FailureTransient
	case code >= 500:
		return FailureTransient
	default:
		return FailurePermanent
	}
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. It returns fallback when the header is absent or invalid.
func ParseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
