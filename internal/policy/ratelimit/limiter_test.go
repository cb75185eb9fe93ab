package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterCapsPerMinute(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 2})
	now := time.Unix(1700000000, 0)

	for i := 0; i < 2; i++ {
		if d := l.Delay("example.com", now); d != 0 {
			t.Fatalf("expected token %d immediately, got delay %v", i, d)
		}
		if !l.Take("example.com", now) {
			t.Fatalf("expected token %d to be granted", i)
		}
	}

	// 2/min refills one token every 30s.
	d := l.Delay("example.com", now)
	if d < 29*time.Second || d > 31*time.Second {
		t.Fatalf("expected ~30s delay, got %v", d)
	}
	if l.Take("example.com", now) {
		t.Fatal("expected third take to be refused")
	}
	if d := l.Delay("example.com", now.Add(31*time.Second)); d != 0 {
		t.Fatalf("expected token after refill, got %v", d)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 1})
	now := time.Unix(1700000000, 0)
	if !l.Take("a.com", now) {
		t.Fatal("expected a.com token")
	}
	if d := l.Delay("b.com", now); d != 0 {
		t.Fatalf("b.com blocked by a.com: %v", d)
	}
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Take("example.com", now) {
			t.Fatal("expected unlimited takes")
		}
	}
	if d := l.Delay("example.com", now); d != 0 {
		t.Fatalf("expected no delay, got %v", d)
	}
}
