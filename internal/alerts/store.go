// Package alerts keeps a bounded in-memory history of dispatched notices
// for the API status views.
package alerts

import (
	"sync"
	"time"

	"encroachwatch/internal/dispatch"
)

type Store struct {
	mu    sync.RWMutex
	buf   []dispatch.Notification
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(n dispatch.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, n)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = n
}

// List returns up to limit of the most recent notifications, oldest first.
func (s *Store) List(limit int) []dispatch.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]dispatch.Notification, 0, limit)
	out = append(out, s.buf[len(s.buf)-limit:]...)
	return out
}

func (s *Store) Since(ts time.Time) []dispatch.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dispatch.Notification, 0)
	for _, n := range s.buf {
		if !n.Timestamp.Before(ts) {
			out = append(out, n)
		}
	}
	return out
}

// Counts tallies notifications by delivery outcome.
func (s *Store) Counts() map[dispatch.Outcome]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[dispatch.Outcome]int)
	for _, n := range s.buf {
		out[n.Outcome]++
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
