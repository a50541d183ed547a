package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabwiki/api/internal/crdt"
	"collabwiki/api/internal/ratelimit"
)

// maxEvictionAttempts bounds how many dirty victims a single join may try to
// flush before giving up with ErrCapacityExceeded.
const maxEvictionAttempts = 8

// Registry owns every loaded session. Its methods are the only way to read or
// change session state.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	clock    Clock
	store    Persister
	limiter  *ratelimit.SaveLimiter
	sessions map[string]*session
	// identities maps a connection id to the document it has joined.
	identities map[string]string
	accessSeq  uint64
	closed     bool
}

func NewRegistry(opts Options, persister Persister) *Registry {
	defaults := DefaultOptions()
	if opts.DebounceSave <= 0 {
		opts.DebounceSave = defaults.DebounceSave
	}
	if opts.SnapshotInterval < opts.DebounceSave {
		opts.SnapshotInterval = opts.DebounceSave
	}
	if opts.DocTTL <= 0 {
		opts.DocTTL = defaults.DocTTL
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaults.SaveTimeout
	}
	if opts.MaxDocs <= 0 {
		opts.MaxDocs = defaults.MaxDocs
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Registry{
		opts:       opts,
		clock:      clock,
		store:      persister,
		limiter:    ratelimit.NewSaveLimiter(opts.SavesPerMinute),
		sessions:   make(map[string]*session),
		identities: make(map[string]string),
	}
}

type JoinRequest struct {
	ConnID string
	User   User
	Mode   Mode
	// Seed is the stored replica state, used only when a CRDT session is
	// created by this join.
	Seed []byte
}

type JoinResult struct {
	Users     []User
	Created   bool
	Replica   *crdt.Doc
	Awareness *crdt.Awareness
}

// JoinSession adds a connection to a document, loading the session if needed.
// A connection is in at most one document; joining another one leaves the
// previous document first.
func (r *Registry) JoinSession(ctx context.Context, documentID string, req JoinRequest) (JoinResult, error) {
	if req.Mode == "" {
		req.Mode = ModeBroadcast
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return JoinResult{}, ErrClosed
	}

	if current, ok := r.identities[req.ConnID]; ok && current != documentID {
		r.leaveLocked(req.ConnID)
	}

	created := false
	s, ok := r.sessions[documentID]
	if ok {
		if err := r.admitLocked(s, req); err != nil {
			return JoinResult{}, err
		}
	} else {
		if err := r.ensureCapacityLocked(ctx, documentID); err != nil {
			return JoinResult{}, err
		}
		// The lock may have been released while flushing a victim.
		if r.closed {
			return JoinResult{}, ErrClosed
		}
		if existing, ok := r.sessions[documentID]; ok {
			s = existing
			if err := r.admitLocked(s, req); err != nil {
				return JoinResult{}, err
			}
		} else {
			var err error
			s, err = r.createLocked(documentID, req)
			if err != nil {
				return JoinResult{}, err
			}
			created = true
		}
	}

	s.ttl.disarm()
	s.users[req.ConnID] = req.User
	r.identities[req.ConnID] = documentID
	r.touchLocked(s)
	if !s.interval.armed() {
		r.armLocked(s, timerInterval, r.opts.SnapshotInterval)
	}

	return JoinResult{
		Users:     s.userList(),
		Created:   created,
		Replica:   s.replica,
		Awareness: s.awareness,
	}, nil
}

func (r *Registry) admitLocked(s *session, req JoinRequest) error {
	if s.mode != req.Mode {
		return ErrModeConflict
	}
	if _, rejoin := s.users[req.ConnID]; rejoin {
		return nil
	}
	if r.opts.MaxClientsPerDoc > 0 && len(s.users) >= r.opts.MaxClientsPerDoc {
		return ErrRoomFull
	}
	return nil
}

func (r *Registry) createLocked(documentID string, req JoinRequest) (*session, error) {
	s := &session{
		documentID: documentID,
		mode:       req.Mode,
		users:      make(map[string]User),
		changes:    newChangeLog(changeLogCapacity),
	}
	if req.Mode == ModeCRDT {
		s.replica = crdt.NewDoc("server:" + documentID)
		s.awareness = crdt.NewAwareness()
		if len(req.Seed) > 0 {
			if err := s.replica.ApplyUpdate(req.Seed, nil); err != nil {
				return nil, fmt.Errorf("seed replica: %w", err)
			}
		}
	}
	r.sessions[documentID] = s
	sessionsLoaded.Set(float64(len(r.sessions)))
	slog.Debug("collab session loaded", "document_id", documentID, "mode", req.Mode)
	return s, nil
}

// LeaveSession removes a connection from whatever document it joined. It
// returns the document and the user that left; ok is false when the
// connection was not in any session.
func (r *Registry) LeaveSession(connID string) (documentID string, user User, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

func (r *Registry) leaveLocked(connID string) (string, User, bool) {
	documentID, ok := r.identities[connID]
	if !ok {
		return "", User{}, false
	}
	delete(r.identities, connID)
	s, ok := r.sessions[documentID]
	if !ok {
		return documentID, User{}, false
	}
	user, ok := s.users[connID]
	delete(s.users, connID)
	r.touchLocked(s)
	if len(s.users) == 0 {
		s.interval.disarm()
		r.armLocked(s, timerTTL, r.opts.DocTTL)
	}
	return documentID, user, ok
}

// AddChange records an edit. A change carrying a snapshot replaces the
// session's latest state, marks it dirty and restarts the debounce timer.
func (r *Registry) AddChange(documentID string, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return ErrSessionNotFound
	}
	if change.Snapshot != nil && s.mode != ModeBroadcast {
		return ErrModeConflict
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = r.clock.Now()
	}
	s.changes.push(change)
	r.touchLocked(s)
	if change.Snapshot != nil {
		s.snapshot = append(s.snapshot[:0:0], change.Snapshot...)
		s.lastAuthor = change.AuthorID
		r.markDirtyLocked(s)
	}
	return nil
}

// ApplyUpdate merges a CRDT frame from connID into the document replica and
// schedules persistence of the merged state.
func (r *Registry) ApplyUpdate(documentID, connID, authorID string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.mode != ModeCRDT {
		return ErrModeConflict
	}
	if err := s.replica.ApplyUpdate(update, connID); err != nil {
		return err
	}
	s.changes.push(Change{OpType: OpUpdate, Timestamp: r.clock.Now(), AuthorID: authorID})
	s.lastAuthor = authorID
	r.touchLocked(s)
	r.markDirtyLocked(s)
	return nil
}

// ApplyRemoteUpdate merges a frame already persisted by another node. The
// session is not marked dirty.
func (r *Registry) ApplyRemoteUpdate(documentID string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok || s.mode != ModeCRDT {
		return ErrSessionNotFound
	}
	return s.replica.ApplyUpdate(update, nil)
}

// Awareness returns the presence table of a loaded CRDT session.
func (r *Registry) Awareness(documentID string) (*crdt.Awareness, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok || s.awareness == nil {
		return nil, false
	}
	return s.awareness, true
}

func (r *Registry) markDirtyLocked(s *session) {
	s.dirty = true
	s.version++
	r.armLocked(s, timerDebounce, r.opts.DebounceSave)
}

func (r *Registry) touchLocked(s *session) {
	r.accessSeq++
	s.lastAccessSeq = r.accessSeq
	s.lastAccessAt = r.clock.Now()
}

// ensureCapacityLocked makes room for incomingID by evicting idle sessions,
// least recently accessed first. Dirty victims are flushed before removal;
// a victim whose flush fails is kept and the next candidate is tried.
func (r *Registry) ensureCapacityLocked(ctx context.Context, incomingID string) error {
	skipped := make(map[string]bool)
	for attempt := 0; len(r.sessions) >= r.opts.MaxDocs; attempt++ {
		if _, ok := r.sessions[incomingID]; ok {
			return nil
		}
		if attempt >= maxEvictionAttempts {
			return ErrCapacityExceeded
		}
		victim := r.evictionCandidateLocked(skipped)
		if victim == nil {
			return ErrCapacityExceeded
		}
		if victim.dirty {
			_, err := r.saveLocked(ctx, victim, ReasonEviction)
			if err != nil || victim.dirty || len(victim.users) > 0 || r.sessions[victim.documentID] != victim {
				skipped[victim.documentID] = true
				continue
			}
		}
		r.removeLocked(victim, ReasonEviction)
		evictionsTotal.Inc()
	}
	return nil
}

func (r *Registry) evictionCandidateLocked(skipped map[string]bool) *session {
	var victim *session
	for id, s := range r.sessions {
		if len(s.users) > 0 || s.saving || skipped[id] {
			continue
		}
		if victim == nil || s.lastAccessSeq < victim.lastAccessSeq {
			victim = s
		}
	}
	return victim
}

func (r *Registry) removeLocked(s *session, reason SaveReason) {
	s.disarmAll()
	delete(r.sessions, s.documentID)
	for connID := range s.users {
		delete(r.identities, connID)
	}
	r.limiter.Forget(s.documentID)
	sessionsLoaded.Set(float64(len(r.sessions)))
	sessionUnloadsTotal.WithLabelValues(string(reason)).Inc()
	slog.Info("collab session unloaded", "document_id", s.documentID, "reason", reason)
}

// armLocked cancels any pending timer of kind and schedules a new one.
func (r *Registry) armLocked(s *session, kind timerKind, d time.Duration) {
	slot := s.slot(kind)
	slot.disarm()
	gen := slot.gen
	slot.timer = r.clock.AfterFunc(d, func() { r.fire(s, kind, gen) })
}

func (r *Registry) fire(s *session, kind timerKind, gen uint64) {
	r.mu.Lock()
	slot := s.slot(kind)
	if r.closed || r.sessions[s.documentID] != s || slot.gen != gen || slot.timer == nil {
		r.mu.Unlock()
		return
	}
	slot.timer = nil
	if kind == timerInterval && len(s.users) > 0 {
		r.armLocked(s, timerInterval, r.opts.SnapshotInterval)
	}
	r.mu.Unlock()

	ctx := context.Background()
	switch kind {
	case timerDebounce:
		_, _ = r.SaveSession(ctx, s.documentID, ReasonDebounce)
	case timerInterval:
		_, _ = r.SaveSession(ctx, s.documentID, ReasonInterval)
	case timerTTL:
		err := r.UnloadSession(ctx, s.documentID, ReasonTTL)
		if err != nil && !errors.Is(err, ErrSessionBusy) && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("collab ttl unload deferred", "document_id", s.documentID, "error", err)
		}
	}
}
