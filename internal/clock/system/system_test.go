package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 19, 23, 59, 0, 0, time.FixedZone("EST", -5*3600))
	clk := NewManual(start)
	if got := clk.Now(); !got.Equal(start) || got.Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", start, got)
	}

	clk.Advance(2 * time.Minute)
	if got := clk.Now(); !got.Equal(start.Add(2 * time.Minute)) {
		t.Fatalf("expected advance by 2m, got %v", got)
	}

	pinned := time.Unix(1700000000, 0)
	clk.Set(pinned)
	if got := clk.Now(); !got.Equal(pinned) {
		t.Fatalf("expected %v, got %v", pinned, got)
	}
}
