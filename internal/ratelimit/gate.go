// Package ratelimit bounds how fast a single connection can touch shared
// state and how often a single document may be written to the durable store.
package ratelimit

import (
	"sync"
	"time"
)

type Category string

const (
	CategoryChange Category = "change"
	CategoryCursor Category = "cursor"
	CategoryTyping Category = "typing"
)

// Limits are per-second ceilings for each category. A zero ceiling disables
// the category limit.
type Limits struct {
	Change int
	Cursor int
	Typing int
}

func DefaultLimits() Limits {
	return Limits{Change: 50, Cursor: 30, Typing: 20}
}

func (l Limits) ceiling(category Category) int {
	switch category {
	case CategoryChange:
		return l.Change
	case CategoryCursor:
		return l.Cursor
	case CategoryTyping:
		return l.Typing
	default:
		return 0
	}
}

type window struct {
	start time.Time
	count int
}

type gateKey struct {
	connID   string
	category Category
}

// Gate counts events in fixed one-second windows per (connection, category).
// Events over the ceiling are refused; callers drop them without replying.
type Gate struct {
	mu      sync.Mutex
	limits  Limits
	windows map[gateKey]*window
	now     func() time.Time
}

func NewGate(limits Limits) *Gate {
	return &Gate{
		limits:  limits,
		windows: make(map[gateKey]*window),
		now:     time.Now,
	}
}

// Allow records one event and reports whether it fits in the current window.
func (g *Gate) Allow(connID string, category Category) bool {
	ceiling := g.limits.ceiling(category)
	if ceiling <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := gateKey{connID: connID, category: category}
	w, ok := g.windows[key]
	if !ok || now.Sub(w.start) >= time.Second {
		g.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= ceiling {
		return false
	}
	w.count++
	return true
}

// Forget drops every window belonging to connID.
func (g *Gate) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.windows {
		if key.connID == connID {
			delete(g.windows, key)
		}
	}
}
