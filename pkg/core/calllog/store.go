// Package calllog persists summaries of finished calls.
package calllog

import (
	"context"
	"sync"
	"time"
)

// Record is one finished-call summary.
type Record struct {
	CallID          string    `json:"call_id"`
	State           string    `json:"state"`
	Transcript      string    `json:"transcript,omitempty"`
	Turns           int       `json:"turns"`
	DurationSeconds float64   `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// Store keeps finished-call records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// MemoryStore is a bounded in-process store holding the most recent records.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
	cap  int
}

// NewMemoryStore creates a memory store retaining up to capacity records.
// A non-positive capacity defaults to 1000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{cap: capacity}
}

// Append stores a record, evicting the oldest once capacity is reached.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if len(s.recs) > s.cap {
		s.recs = s.recs[len(s.recs)-s.cap:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recs) {
		limit = len(s.recs)
	}
	out := make([]Record, 0, limit)
	for i := len(s.recs) - 1; i >= len(s.recs)-limit; i-- {
		out = append(out, s.recs[i])
	}
	return out, nil
}
