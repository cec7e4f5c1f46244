package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	r := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !r.Allow(now) {
			t.Fatalf("Allow event %d=false want=true", i+1)
		}
	}
	if r.Allow(now) {
		t.Fatal("Allow above limit=true want=false")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	r := NewRateLimiter(2, 10*time.Second)

	if !r.Allow(now) || !r.Allow(now.Add(time.Second)) {
		t.Fatal("initial events rejected")
	}
	if r.Allow(now.Add(2 * time.Second)) {
		t.Fatal("Allow inside full window=true want=false")
	}

	// The first event ages out after 10s; one slot frees up.
	if !r.Allow(now.Add(10*time.Second + time.Millisecond)) {
		t.Fatal("Allow after window slid=false want=true")
	}
	if r.Allow(now.Add(10*time.Second + 2*time.Millisecond)) {
		t.Fatal("Allow with window full again=true want=false")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	r := NewRateLimiter(0, 0)

	for i := 0; i < rateLimitEvents; i++ {
		if !r.Allow(now) {
			t.Fatalf("Allow event %d=false want=true under default limit", i+1)
		}
	}
	if r.Allow(now) {
		t.Fatal("Allow above default limit=true want=false")
	}
}
