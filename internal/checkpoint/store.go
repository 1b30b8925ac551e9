// Package checkpoint persists created-time watermarks so repeated fetches
// only ask for entities newer than the last complete run.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// Key scopes a watermark. Scope is chosen by the caller, typically a name
// for the query being repeated.
type Key struct {
	Service string
	Kind    tracker.Kind
	Scope   string
}

// Watermark is the newest created time seen by a complete fetch.
type Watermark struct {
	Key       Key
	Created   time.Time
	Delivered int
	UpdatedAt time.Time
}

// ErrNotFound is returned by Get when no watermark exists.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists watermarks.
type Store interface {
	Get(ctx context.Context, key Key) (*Watermark, error)

	// Put stores wm unless the stored watermark is newer; watermarks never
	// move backwards.
	Put(ctx context.Context, wm Watermark) error

	Close() error
}

// MemoryStore keeps watermarks in process.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[Key]Watermark
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[Key]Watermark)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &wm, nil
}

func (s *MemoryStore) Put(_ context.Context, wm Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.marks[wm.Key]; ok && cur.Created.After(wm.Created) {
		return nil
	}
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = time.Now().UTC()
	}
	s.marks[wm.Key] = wm
	return nil
}

func (s *MemoryStore) Close() error { return nil }
