package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/funnel/model"
)

// MemoryStore is an in-process Store with TTL support. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	snap      model.Snapshot
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, subjectID string) (*model.Snapshot, bool, error) {
	key := Key(subjectID)
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if entry.expired(s.now()) {
		s.mu.Lock()
		// A Save may have replaced the entry since the read lock was released.
		if s.entries[key] == entry {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	snap := cloneSnapshot(entry.snap)
	return &snap, true, nil
}

// Save implements Store. Expired entries of other subjects are dropped on
// the way, so subjects that never load again do not accumulate.
func (s *MemoryStore) Save(_ context.Context, subjectID string, snap model.Snapshot, ttl time.Duration) error {
	now := s.now()
	entry := &memEntry{snap: cloneSnapshot(snap)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
	s.entries[Key(subjectID)] = entry
	return nil
}

// HealthCheck implements Store. Memory is always reachable.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneSnapshot(in model.Snapshot) model.Snapshot {
	out := in
	out.Stages = cloneAll(in.Stages)
	out.LossReasons = cloneAll(in.LossReasons)
	out.Opportunities = cloneAll(in.Opportunities)
	return out
}

// cloneAll deep-copies in, keeping a nil slice nil.
func cloneAll[T interface{ Clone() T }](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
