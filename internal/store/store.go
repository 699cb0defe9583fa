// Package store persists the workflow-owned fields of an application and
// enforces optimistic concurrency on every commit.
package store

import (
	"context"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Store is the transactional boundary for application status fields.
//
// Commit writes every status field of app in a single atomic operation,
// conditioned on app.Version still matching the stored row. It fails with
// NOT_FOUND when no row exists and CONFLICT when another writer committed
// first. Transient failures surface as UNAVAILABLE.
type Store interface {
	// Create persists a new application. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, app *model.Application) error

	// LoadForUpdate returns the current row together with the version a
	// subsequent Commit must match.
	LoadForUpdate(ctx context.Context, id string) (*model.Application, error)

	// Commit stores app if its version is current and returns the stored
	// copy with the bumped version.
	Commit(ctx context.Context, app *model.Application) (*model.Application, error)

	// List returns applications matching filter, most recently updated first.
	List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error)
}

func pageBounds(f model.ApplicationFilter) (offset, limit int) {
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return (page - 1) * size, size
}
