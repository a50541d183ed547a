package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SaveLimiter caps durable writes per document to perMinute saves in any
// minute. Saves are spaced at least a minute/perMinute apart, so a window of
// 60s never holds more than perMinute of them; there is no burst.
type SaveLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*rate.Limiter
	now       func() time.Time
}

func NewSaveLimiter(perMinute int) *SaveLimiter {
	return &SaveLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
}

// Allow reports whether documentID may be saved now. A disabled limiter
// (perMinute <= 0) always allows.
func (s *SaveLimiter) Allow(documentID string) bool {
	if s == nil || s.perMinute <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[documentID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMinute)), 1)
		s.limiters[documentID] = limiter
	}
	return limiter.AllowN(s.now(), 1)
}

func (s *SaveLimiter) Forget(documentID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, documentID)
}
