package history

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevox/internal/transcript"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Records are lost on restart.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.Entries = append([]transcript.Entry(nil), r.Entries...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.SessionID] = r
	return nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, Summarize(r))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int { return b.EndedAt.Compare(a.EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	r.Entries = append([]transcript.Entry(nil), r.Entries...)
	return r, nil
}

// Ping implements [Store].
func (m *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *MemStore) Close() error { return nil }
