package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// storeResult carries a store outcome through the retrier. Errors that must
// not be retried travel in err while the retrier sees success, so only
// UNAVAILABLE failures are ever retried.
type storeResult struct {
	app  *model.Application
	apps []*model.Application
	err  error
}

// withStore runs fn under the retry policy, each attempt bounded by the
// store timeout. A caller that goes away is reported as CANCELED, never as
// a retryable failure.
func (s *Service) withStore(ctx context.Context, op string, fn func(ctx context.Context) (storeResult, error)) storeResult {
	ctx, span := observability.StartSpan(ctx, "store."+op)

	attempts := 0
	var lastRetryable error
	res, err := s.retrier.Do(ctx, func(attemptCtx context.Context) (storeResult, error) {
		attempts++
		if attempts > 1 {
			s.metrics.RecordStoreRetry(op)
		}

		callCtx, cancel := context.WithTimeout(attemptCtx, s.storeTimeout)
		defer cancel()

		start := time.Now()
		r, err := fn(callCtx)
		if err != nil && ctx.Err() != nil {
			err = model.NewCanceledError(ctx.Err())
		}
		err = timeoutAsUnavailable(callCtx, err)
		s.metrics.RecordStoreOperation(op, outcome(err), time.Since(start))

		switch {
		case err == nil:
			return r, nil
		case model.IsRetryable(err):
			lastRetryable = err
			return storeResult{}, err
		default:
			return storeResult{err: err}, nil
		}
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = model.NewCanceledError(ctx.Err())
		case model.CodeOf(err) != "":
		case lastRetryable != nil:
			err = lastRetryable
		default:
			err = model.NewUnavailableError(err)
		}
		res = storeResult{err: err}
	}

	span.SetAttributes(observability.AttrAttempt.Int(attempts))
	observability.EndSpanWithError(span, res.err)
	return res
}

// timeoutAsUnavailable maps an expired per-call deadline to UNAVAILABLE.
func timeoutAsUnavailable(callCtx context.Context, err error) error {
	if err == nil || model.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return model.NewUnavailableError(err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func (s *Service) load(ctx context.Context, id string) (*model.Application, error) {
	r := s.withStore(ctx, "load", func(ctx context.Context) (storeResult, error) {
		app, err := s.store.LoadForUpdate(ctx, id)
		return storeResult{app: app}, err
	})
	return r.app, r.err
}

// commit runs detached from the caller's cancellation: once issued it ends
// only by completing or by the store timeout.
func (s *Service) commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	r := s.withStore(context.WithoutCancel(ctx), "commit", func(ctx context.Context) (storeResult, error) {
		stored, err := s.store.Commit(ctx, app)
		return storeResult{app: stored}, err
	})
	return r.app, r.err
}

// create is detached like commit. A retried insert that meets its own row,
// written by an attempt whose reply was lost, counts as success.
func (s *Service) create(ctx context.Context, app *model.Application) error {
	attempts := 0
	return s.withStore(context.WithoutCancel(ctx), "create", func(ctx context.Context) (storeResult, error) {
		attempts++
		err := s.store.Create(ctx, app)
		if attempts > 1 && model.CodeOf(err) == model.ErrConflict {
			existing, lerr := s.store.LoadForUpdate(ctx, app.ID)
			if lerr == nil && sameCreation(existing, app) {
				return storeResult{}, nil
			}
		}
		return storeResult{}, err
	}).err
}

// sameCreation reports whether stored is the untouched row for app. Postgres
// keeps microseconds, so creation times are compared at that precision.
func sameCreation(stored, app *model.Application) bool {
	d := stored.CreatedAt.Sub(app.CreatedAt)
	return stored.ID == app.ID &&
		stored.AdvisorID == app.AdvisorID &&
		stored.CompanyID == app.CompanyID &&
		stored.Version == 0 &&
		d > -time.Microsecond && d < time.Microsecond
}

func (s *Service) list(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	r := s.withStore(ctx, "list", func(ctx context.Context) (storeResult, error) {
		apps, err := s.store.List(ctx, filter)
		return storeResult{apps: apps}, err
	})
	return r.apps, r.err
}
