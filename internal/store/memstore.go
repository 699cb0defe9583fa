package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// MemoryStore is an in-memory Store for tests and single-instance setups.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*model.Application
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: make(map[string]*model.Application)}
}

// Create persists a new application.
func (s *MemoryStore) Create(ctx context.Context, app *model.Application) error {
	if err := ctx.Err(); err != nil {
		return model.NewUnavailableError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	s.apps[app.ID] = app.Clone()
	return nil
}

// LoadForUpdate returns a copy of the stored application.
func (s *MemoryStore) LoadForUpdate(ctx context.Context, id string) (*model.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewUnavailableError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
	}
	return app.Clone(), nil
}

// Commit replaces the stored application if the version matches.
func (s *MemoryStore) Commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewUnavailableError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.apps[app.ID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("application %q not found", app.ID))
	}
	if existing.Version != app.Version {
		return nil, model.NewConflictError(
			fmt.Sprintf("application %q version conflict (read %d, stored %d)", app.ID, app.Version, existing.Version),
		)
	}

	stored := app.Clone()
	stored.Version++
	stored.CreatedAt = existing.CreatedAt
	s.apps[app.ID] = stored
	return stored.Clone(), nil
}

// List returns matching applications, newest update first.
func (s *MemoryStore) List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewUnavailableError(err)
	}
	s.mu.RLock()
	var matched []*model.Application
	for _, app := range s.apps {
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		if filter.AdvisorID != "" && app.AdvisorID != filter.AdvisorID {
			continue
		}
		if filter.CompanyID != "" && app.CompanyID != filter.CompanyID {
			continue
		}
		matched = append(matched, app.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	offset, limit := pageBounds(filter)
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored applications. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apps)
}
