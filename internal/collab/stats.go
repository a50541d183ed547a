package collab

import (
	"sort"
	"time"
)

type SessionStats struct {
	DocumentID     string         `json:"documentId"`
	Mode           Mode           `json:"mode"`
	Users          []User         `json:"users"`
	Dirty          bool           `json:"dirty"`
	PendingChanges int            `json:"pendingChanges"`
	LastAccessAt   time.Time      `json:"lastAccessAt"`
	Metrics        SessionMetrics `json:"metrics"`
}

type Stats struct {
	Sessions int            `json:"sessions"`
	MaxDocs  int            `json:"maxDocs"`
	Docs     []SessionStats `json:"docs"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Sessions: len(r.sessions), MaxDocs: r.opts.MaxDocs, Docs: make([]SessionStats, 0, len(r.sessions))}
	for _, s := range r.sessions {
		stats.Docs = append(stats.Docs, sessionStats(s))
	}
	sort.Slice(stats.Docs, func(i, j int) bool { return stats.Docs[i].DocumentID < stats.Docs[j].DocumentID })
	return stats
}

func (r *Registry) SessionStats(documentID string) (SessionStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return SessionStats{}, false
	}
	return sessionStats(s), true
}

func sessionStats(s *session) SessionStats {
	return SessionStats{
		DocumentID:     s.documentID,
		Mode:           s.mode,
		Users:          s.userList(),
		Dirty:          s.dirty,
		PendingChanges: s.changes.len(),
		LastAccessAt:   s.lastAccessAt,
		Metrics:        s.metrics,
	}
}

func (r *Registry) Users(documentID string) []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return nil
	}
	return s.userList()
}

func (r *Registry) UserCount(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok {
		return len(s.users)
	}
	return 0
}

// Mode reports the mode a loaded document is bound to.
func (r *Registry) Mode(documentID string) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok {
		return s.mode, true
	}
	return "", false
}

// DocumentOf returns the document a connection has joined.
func (r *Registry) DocumentOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	documentID, ok := r.identities[connID]
	return documentID, ok
}

func (r *Registry) RecentChanges(documentID string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok {
		return s.changes.list()
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
