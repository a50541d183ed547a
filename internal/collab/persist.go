package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"collabwiki/api/internal/store"
)

// SaveSession writes the latest state of a dirty session. Clean sessions are
// a no-op, a save already in flight is not duplicated, and a save over the
// per-document ceiling is skipped so that the next trigger retries it. On
// failure the session stays dirty.
func (r *Registry) SaveSession(ctx context.Context, documentID string, reason SaveReason) (SaveOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return SaveSkippedClean, ErrSessionNotFound
	}
	return r.saveLocked(ctx, s, reason)
}

// saveLocked is called and returns with r.mu held, but releases it for the
// duration of the store call.
func (r *Registry) saveLocked(ctx context.Context, s *session, reason SaveReason) (SaveOutcome, error) {
	if !s.dirty || !s.hasState() {
		return SaveSkippedClean, nil
	}
	if s.saving {
		return SaveInFlight, nil
	}
	if !reason.final() && !r.limiter.Allow(s.documentID) {
		savesTotal.WithLabelValues(string(reason), string(SaveThrottled)).Inc()
		slog.Debug("collab save throttled", "document_id", s.documentID, "reason", reason)
		return SaveThrottled, nil
	}
	snapshot, err := s.persistable()
	if err != nil {
		return SaveFailed, err
	}

	documentID := s.documentID
	version := s.version
	author := s.lastAuthor
	s.saving = true
	s.metrics.SavesAttempted++
	r.mu.Unlock()

	start := r.clock.Now()
	saveCtx, cancel := context.WithTimeout(ctx, r.opts.SaveTimeout)
	err = r.store.SaveSnapshot(saveCtx, documentID, snapshot, author)
	cancel()
	if err == nil && r.opts.OnSaved != nil {
		r.opts.OnSaved(documentID, snapshot, author)
	}
	finished := r.clock.Now()

	r.mu.Lock()
	s.saving = false
	s.metrics.LastSaveAt = finished
	s.metrics.LastSaveReason = reason
	s.metrics.LastSaveDuration = finished.Sub(start)
	saveDuration.WithLabelValues(string(reason)).Observe(finished.Sub(start).Seconds())
	if err != nil {
		s.metrics.SavesFailed++
		savesTotal.WithLabelValues(string(reason), string(SaveFailed)).Inc()
		slog.Warn("collab save failed", "document_id", documentID, "reason", reason, "error", err)
		return SaveFailed, fmt.Errorf("save %s: %w", documentID, err)
	}
	s.metrics.SavesSucceeded++
	if s.version == version {
		s.dirty = false
	}
	savesTotal.WithLabelValues(string(reason), string(SaveSucceeded)).Inc()
	slog.Debug("collab session saved", "document_id", documentID, "reason", reason)
	return SaveSucceeded, nil
}

func (s *session) persistable() (store.Snapshot, error) {
	if s.mode == ModeCRDT {
		content, err := json.Marshal(s.replica)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("materialize blocks: %w", err)
		}
		state, err := s.replica.EncodeStateAsUpdate()
		if err != nil {
			return store.Snapshot{}, err
		}
		return store.Snapshot{Content: content, CRDTState: state}, nil
	}
	return store.Snapshot{Content: append(json.RawMessage(nil), s.snapshot...)}, nil
}

// UnloadSession removes an idle session, saving it first when dirty. If that
// final save fails the session is kept and its TTL timer re-armed.
func (r *Registry) UnloadSession(ctx context.Context, documentID string, reason SaveReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return ErrSessionNotFound
	}
	if len(s.users) > 0 {
		return ErrSessionBusy
	}
	if s.saving {
		r.armLocked(s, timerTTL, r.opts.DebounceSave)
		return ErrSessionBusy
	}

	if s.dirty {
		_, err := r.saveLocked(ctx, s, reason)
		if r.sessions[documentID] != s {
			return nil
		}
		if len(s.users) > 0 {
			return ErrSessionBusy
		}
		if err != nil {
			r.armLocked(s, timerTTL, r.opts.DocTTL)
			return err
		}
		if s.dirty {
			r.armLocked(s, timerTTL, r.opts.DebounceSave)
			return ErrSessionBusy
		}
	}
	r.removeLocked(s, reason)
	return nil
}

// Close stops every timer and flushes dirty sessions concurrently. Joins are
// refused afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var dirty []string
	for id, s := range r.sessions {
		s.disarmAll()
		if s.dirty {
			dirty = append(dirty, id)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range dirty {
		g.Go(func() error {
			_, err := r.SaveSession(ctx, id, ReasonShutdown)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush sessions: %w", err)
	}
	slog.Info("collab registry closed", "flushed", len(dirty))
	return nil
}
