package search

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"collabwiki/api/internal/store"
)

const defaultQueueSize = 256

// Service feeds saved pages to an Indexer from a single background worker.
// Indexing is best effort: when the indexer is unhealthy or the queue is
// full the record is dropped and the next save of the page catches up.
type Service struct {
	indexer Indexer
	queue   chan PageRecord
	now     func() time.Time

	once sync.Once
	wg   sync.WaitGroup
}

// NewService creates the indexing service. indexer may be nil, in which case
// every call is a no-op.
func NewService(indexer Indexer, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Service{indexer: indexer, queue: make(chan PageRecord, queueSize), now: time.Now}
	if indexer != nil {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *Service) run() {
	defer s.wg.Done()
	for record := range s.queue {
		if !s.indexer.Healthy() {
			continue
		}
		// An emptied page has nothing left to find.
		if record.BlockCount == 0 && record.Text == "" {
			if err := s.indexer.DeletePage(record.ID); err != nil {
				slog.Warn("search: delete page", "document_id", record.ID, "error", err)
			}
			continue
		}
		if err := s.indexer.IndexPage(record); err != nil {
			slog.Warn("search: index page", "document_id", record.ID, "error", err)
		}
	}
}

// Enqueue schedules record for indexing without blocking.
func (s *Service) Enqueue(record PageRecord) bool {
	if s.indexer == nil {
		return false
	}
	select {
	case s.queue <- record:
		return true
	default:
		slog.Debug("search: index queue full, dropping page", "document_id", record.ID)
		return false
	}
}

// PageSaved matches the registry's save hook.
func (s *Service) PageSaved(documentID string, snapshot store.Snapshot, savedBy string) {
	s.Enqueue(NewPageRecord(documentID, json.RawMessage(snapshot.Content), savedBy, s.now()))
}

// Close drains the queue and stops the worker.
func (s *Service) Close() {
	s.once.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}
