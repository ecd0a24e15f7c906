package transcript

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// DefaultMaxPerSession bounds the history kept per session by [MemStore].
const DefaultMaxPerSession = 2000

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. When a session exceeds its cap the
// oldest entries are dropped. Safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	max      int
	sessions map[string][]Entry
}

// NewMemStore returns an empty MemStore keeping at most maxPerSession
// entries per session. A non-positive value uses DefaultMaxPerSession.
func NewMemStore(maxPerSession int) *MemStore {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &MemStore{
		max:      maxPerSession,
		sessions: make(map[string][]Entry),
	}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.sessions[e.SessionID], e)
	if over := len(entries) - s.max; over > 0 {
		entries = slices.Delete(entries, 0, over)
	}
	s.sessions[e.SessionID] = entries
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	entries, ok := s.sessions[sessionID]
	out := slices.Clone(entries)
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Sessions returns the IDs of all sessions with history.
func (s *MemStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
