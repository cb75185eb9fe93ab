package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		var body request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		accept := body.Text == "how to fold towels"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accept":    accept,
			"subdomain": "home_care",
			"score":     0.91,
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	got, err := c.Classify(context.Background(), "how to fold towels")
	require.NoError(t, err)
	require.True(t, got.Accept)
	require.Equal(t, "daily_life", got.Domain)
	require.Equal(t, "home_care", got.Subdomain)
	require.InDelta(t, 0.91, got.Score, 1e-9)

	got, err = c.Classify(context.Background(), "stock tips")
	require.NoError(t, err)
	require.False(t, got.Accept)
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/garbage":
			_, _ = w.Write([]byte("not json"))
		default:
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL + "/broken"}, nil).Classify(context.Background(), "x")
	require.ErrorContains(t, err, "status 500")

	_, err = New(Config{URL: srv.URL + "/garbage"}, nil).Classify(context.Background(), "x")
	require.ErrorContains(t, err, "decode classification")

	_, err = New(Config{URL: srv.URL + "/slow", Timeout: 20 * time.Millisecond}, nil).Classify(context.Background(), "x")
	require.Error(t, err)
}
