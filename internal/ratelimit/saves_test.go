package ratelimit

import (
	"testing"
	"time"
)

func TestSaveLimiterPerDocument(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	limiter := NewSaveLimiter(3)
	limiter.now = clock.Now

	if !limiter.Allow("doc-1") {
		t.Fatal("first save should be allowed")
	}
	if limiter.Allow("doc-1") {
		t.Fatal("an immediate second save should be throttled")
	}
	if !limiter.Allow("doc-2") {
		t.Fatal("other documents have their own allowance")
	}

	clock.Advance(21 * time.Second)
	if !limiter.Allow("doc-1") {
		t.Fatal("expected a save after a third of a minute")
	}
	if limiter.Allow("doc-1") {
		t.Fatal("expected only one save per interval")
	}

	limiter.Forget("doc-1")
	if !limiter.Allow("doc-1") {
		t.Fatal("forgotten document should be allowed at once")
	}
}

func TestSaveLimiterNeverExceedsCeilingPerMinute(t *testing.T) {
	cases := []struct {
		name    string
		step    time.Duration
		seconds int
		want    int
	}{
		{"every second for one minute", time.Second, 60, 15},
		{"every half second for one minute", 500 * time.Millisecond, 60, 15},
		{"every second for three minutes", time.Second, 180, 45},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
			limiter := NewSaveLimiter(15)
			limiter.now = clock.Now

			start := clock.now
			var allowed []time.Time
			for clock.now.Sub(start) < time.Duration(tc.seconds)*time.Second {
				if limiter.Allow("doc") {
					allowed = append(allowed, clock.now)
				}
				clock.Advance(tc.step)
			}
			if len(allowed) != tc.want {
				t.Fatalf("expected %d saves, got %d", tc.want, len(allowed))
			}
			// Any 60s window holds at most the ceiling.
			for i := range allowed {
				inWindow := 0
				for _, at := range allowed[i:] {
					if at.Sub(allowed[i]) < time.Minute {
						inWindow++
					}
				}
				if inWindow > 15 {
					t.Fatalf("window starting at save %d holds %d saves", i, inWindow)
				}
			}
		})
	}
}

func TestSaveLimiterDisabled(t *testing.T) {
	var nilLimiter *SaveLimiter
	if !nilLimiter.Allow("doc") {
		t.Fatal("nil limiter must allow")
	}
	limiter := NewSaveLimiter(0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("doc") {
			t.Fatal("disabled limiter must allow")
		}
	}
}
