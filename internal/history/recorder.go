// Package history keeps the append-only audit trail of status changes.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Recorder appends and reads history entries. Entries are never updated or
// deleted.
type Recorder interface {
	Append(ctx context.Context, entry model.HistoryEntry) error
	List(ctx context.Context, applicationID string) ([]model.HistoryEntry, error)
}

// MemoryRecorder is an in-memory Recorder.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries map[string][]model.HistoryEntry
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: make(map[string][]model.HistoryEntry)}
}

// Append stores entry under its application.
func (r *MemoryRecorder) Append(ctx context.Context, entry model.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ApplicationID] = append(r.entries[entry.ApplicationID], entry)
	return nil
}

// List returns entries for applicationID in creation order.
func (r *MemoryRecorder) List(_ context.Context, applicationID string) ([]model.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.entries[applicationID]
	out := make([]model.HistoryEntry, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the total number of entries. For testing.
func (r *MemoryRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += len(e)
	}
	return n
}

// HealthCheck always succeeds for the in-memory recorder.
func (r *MemoryRecorder) HealthCheck(context.Context) error { return nil }
