package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]Failure{
		http.StatusOK:                         FailureNone,
		http.StatusTooManyRequests:            FailureTransient,
		http.StatusRequestTimeout:             FailureTransient,
		http.StatusInternalServerError:        FailureTransient,
		http.StatusBadGateway:                 FailureTransient,
		http.StatusBadRequest:                 FailurePermanent,
		http.StatusUnauthorized:               FailurePermanent,
		http.StatusForbidden:                  FailurePermanent,
		http.StatusNotFound:                   FailurePermanent,
		http.StatusGone:                       FailurePermanent,
		http.StatusUnavailableForLegalReasons: FailurePermanent,
	}
	for code, want := range cases {
		require.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func TestClassifyFetch(t *testing.T) {
	t.Parallel()

	require.Equal(t, FailureNone, ClassifyFetch(nil))
	require.Equal(t, FailureCanceled, ClassifyFetch(fmt.Errorf("wrap: %w", context.Canceled)))
	require.Equal(t, FailureTransient, ClassifyFetch(context.DeadlineExceeded))
	require.Equal(t, FailurePermanent, ClassifyFetch(fmt.Errorf("normalize: %w", ErrMalformedURL)))
	require.Equal(t, FailurePermanent, ClassifyFetch(ErrRobotsBlocked))
	require.Equal(t, FailureTransient, ClassifyFetch(&FetchError{URL: "u", StatusCode: 503}))
	require.Equal(t, FailurePermanent, ClassifyFetch(&FetchError{URL: "u", StatusCode: 404}))
	require.Equal(t, FailurePermanent, ClassifyFetch(&net.DNSError{Err: "no such host", IsNotFound: true}))
	require.Equal(t, FailureTransient, ClassifyFetch(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, 60*time.Second, ParseRetryAfter("", now, 60*time.Second))
	require.Equal(t, 7*time.Second, ParseRetryAfter("7", now, time.Minute))
	require.Equal(t, time.Minute, ParseRetryAfter("soon", now, time.Minute))
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, ParseRetryAfter(date, now, time.Minute))
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	err := &FetchError{URL: "https://example.com", StatusCode: 500, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Equal(t, "fetch https://example.com: status 500: boom", err.Error())
}
