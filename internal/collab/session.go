package collab

import (
	"encoding/json"
	"sort"
	"time"

	"collabwiki/api/internal/crdt"
)

// session is the in-memory record of one document. All fields are guarded by
// the registry lock; the replica and awareness table carry their own locks.
type session struct {
	documentID string
	mode       Mode
	users      map[string]User
	changes    *changeLog

	snapshot   json.RawMessage
	lastAuthor string
	dirty      bool
	// version increases on every accepted state change so a save that
	// raced with an edit does not clear dirty.
	version uint64
	saving  bool

	replica   *crdt.Doc
	awareness *crdt.Awareness

	lastAccessAt  time.Time
	lastAccessSeq uint64

	debounce timerSlot
	interval timerSlot
	ttl      timerSlot

	metrics SessionMetrics
}

func (s *session) slot(kind timerKind) *timerSlot {
	switch kind {
	case timerDebounce:
		return &s.debounce
	case timerInterval:
		return &s.interval
	default:
		return &s.ttl
	}
}

func (s *session) disarmAll() {
	s.debounce.disarm()
	s.interval.disarm()
	s.ttl.disarm()
}

// hasState reports whether there is anything a save could write.
func (s *session) hasState() bool {
	if s.mode == ModeCRDT {
		return s.replica != nil
	}
	return s.snapshot != nil
}

func (s *session) userList() []User {
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].ID != users[j].ID {
			return users[i].ID < users[j].ID
		}
		return users[i].Name < users[j].Name
	})
	return users
}
