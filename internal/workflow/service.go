// Package workflow is the status workflow service. Every status-changing
// operation is one read-evaluate-commit cycle against the application store:
// load the row, check the transition policy, reconcile the derived fields,
// and commit them in a single conditional write. History is appended after
// the commit and never undoes it.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tresgarza/may20-crm-final-sub000/internal/history"
	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/internal/policy"
	"github.com/tresgarza/may20-crm-final-sub000/internal/reconcile"
	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

const (
	defaultStoreTimeout    = 5 * time.Second
	defaultConflictRetries = 1
)

// Result is the outcome of a workflow operation. Warnings carry non-fatal
// problems such as HISTORY_WRITE_FAILED; the status change itself succeeded.
type Result struct {
	Application *model.Application     `json:"application"`
	Changed     bool                   `json:"changed"`
	Warnings    []*model.ErrorEnvelope `json:"warnings,omitempty"`
}

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// Service runs status workflow operations.
type Service struct {
	store   store.Store
	history history.Recorder
	policy  *policy.Policy

	retryPolicy RetryPolicy
	retrier     retry.Retry[storeResult]

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	storeTimeout    time.Duration
	conflictRetries int
	recordNoop      bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the fallback logger. Request-scoped loggers in the context
// take precedence.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation for applications and history entries.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithStoreTimeout bounds every single store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithConflictRetries sets how many times a cycle is re-run after a version
// conflict before the conflict is surfaced.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.conflictRetries = n
		}
	}
}

// WithRetryPolicy sets the backoff for UNAVAILABLE store errors.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retryPolicy = p }
}

// WithRecordNoop makes identity requests append a history entry even when
// the caller did not ask for it.
func WithRecordNoop(v bool) Option {
	return func(s *Service) { s.recordNoop = v }
}

// NewService creates a workflow service.
func NewService(st store.Store, rec history.Recorder, pol *policy.Policy, opts ...Option) *Service {
	s := &Service{
		store:           st,
		history:         rec,
		policy:          pol,
		retryPolicy:     DefaultRetryPolicy(),
		logger:          zap.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		storeTimeout:    defaultStoreTimeout,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retryPolicy.MaxAttempts < 1 {
		s.retryPolicy.MaxAttempts = 1
	}
	if s.retryPolicy.Multiplier < 1 {
		s.retryPolicy.Multiplier = 1
	}
	s.retrier = retry.New[storeResult](retry.Config{
		MaxAttempts:   s.retryPolicy.MaxAttempts,
		InitialDelay:  s.retryPolicy.InitialDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    s.retryPolicy.Multiplier,
	})
	return s
}

// operation describes one status-changing request for logging, tracing and
// history.
type operation struct {
	name          string
	applicationID string
	field         model.Field
	requested     model.Status
	actor         model.Actor
	comment       string
	recordNoop    bool
}

// planFunc computes the next state from the freshly loaded one. A nil
// application with a nil error is an identity no-op.
type planFunc func(cur *model.Application, at time.Time) (*model.Application, error)

// execute runs plan inside a traced read-evaluate-commit cycle.
func (s *Service) execute(ctx context.Context, op operation, plan planFunc) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+op.name,
		observability.AttrApplicationID.String(op.applicationID),
		observability.AttrField.String(string(op.field)),
		observability.AttrRequestedStatus.String(string(op.requested)),
		observability.AttrRole.String(string(op.actor.Role)),
		observability.AttrSubjectID.String(op.actor.ID),
	)

	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("operation", op.name),
		zap.String("application_id", op.applicationID),
		zap.String("field", string(op.field)),
		zap.String("requested_status", string(op.requested)),
		zap.String("actor_id", op.actor.ID),
		zap.String("actor_role", string(op.actor.Role)),
	)

	res, err := s.cycle(ctx, logger, span, op, plan)
	if res != nil {
		span.SetAttributes(
			observability.AttrResultStatus.String(string(res.Application.Status)),
			observability.AttrChanged.Bool(res.Changed),
		)
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (s *Service) cycle(ctx context.Context, logger *zap.Logger, span trace.Span, op operation, plan planFunc) (*Result, error) {
	for attempt := 0; ; attempt++ {
		// 1. Load the current row.
		cur, err := s.load(ctx, op.applicationID)
		if err != nil {
			s.logStoreFailure(logger, "load", err)
			return nil, err
		}

		// 2. Entity filter: applications outside the actor's entity do not exist for them.
		if !cur.VisibleTo(op.actor) {
			return nil, notFound(op.applicationID)
		}

		// 3. Policy and reconciliation.
		at := s.now()
		next, err := plan(cur, at)
		if err != nil {
			if model.CodeOf(err) == model.ErrTransitionDenied {
				s.metrics.RecordDenial(string(op.field), string(op.actor.Role))
				logger.Warn("transition denied",
					zap.String("current_status", string(cur.Status)),
					zap.String("advisor_status", string(cur.AdvisorStatus)),
					zap.String("company_status", string(cur.CompanyStatus)),
				)
			}
			return nil, err
		}
		if next == nil {
			return s.noop(ctx, logger, op, cur, at), nil
		}

		// 4. Record-level invariants.
		if err := reconcile.Check(next); err != nil {
			logger.Error("reconciled state violates invariants", zap.Error(err))
			return nil, err
		}

		// 5. Conditional commit. Nothing has been written yet, so a caller
		// that already left is answered without issuing it.
		if err := ctx.Err(); err != nil {
			return nil, model.NewCanceledError(err)
		}
		span.SetAttributes(observability.AttrAttempt.Int(attempt + 1))
		stored, err := s.commit(ctx, next)
		if model.CodeOf(err) == model.ErrConflict {
			if attempt < s.conflictRetries {
				s.metrics.RecordConflict("retried")
				logger.Warn("version conflict, reloading", zap.Int("attempt", attempt+1))
				continue
			}
			s.metrics.RecordConflict("surfaced")
			logger.Warn("version conflict", zap.Int("attempt", attempt+1))
			return nil, err
		}
		if err != nil {
			s.logStoreFailure(logger, "commit", err)
			return nil, err
		}

		// 6. Best-effort history.
		res := &Result{Application: stored, Changed: true}
		if w := s.appendHistory(ctx, logger, op, cur.Status, stored.Status, at); w != nil {
			res.Warnings = append(res.Warnings, w)
		}

		s.metrics.RecordTransition(string(op.field), string(stored.Status), string(op.actor.Role))
		logger.Info("status changed",
			zap.String("prior_status", string(cur.Status)),
			zap.String("status", string(stored.Status)),
			zap.String("advisor_status", string(stored.AdvisorStatus)),
			zap.String("company_status", string(stored.CompanyStatus)),
			zap.Int("version", stored.Version),
		)
		return res, nil
	}
}

// noop answers an identity request with the unchanged application.
func (s *Service) noop(ctx context.Context, logger *zap.Logger, op operation, cur *model.Application, at time.Time) *Result {
	s.metrics.RecordNoop(string(op.field))
	logger.Debug("identity transition, nothing to commit")

	res := &Result{Application: cur}
	if op.recordNoop || s.recordNoop {
		if w := s.appendHistory(ctx, logger, op, cur.Status, cur.Status, at); w != nil {
			res.Warnings = append(res.Warnings, w)
		}
	}
	return res
}

// appendHistory writes one audit entry. Failure is reported as a warning.
func (s *Service) appendHistory(ctx context.Context, logger *zap.Logger, op operation, prior, resulting model.Status, at time.Time) *model.ErrorEnvelope {
	entry := model.HistoryEntry{
		ID:              s.newID(),
		ApplicationID:   op.applicationID,
		Field:           op.field,
		RequestedStatus: op.requested,
		PriorStatus:     prior,
		ResultingStatus: resulting,
		Comment:         op.comment,
		ActorID:         op.actor.ID,
		ActorRole:       op.actor.Role,
		CreatedAt:       at,
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	hctx, span := observability.StartSpan(hctx, "history.append",
		observability.AttrApplicationID.String(op.applicationID),
	)
	err := s.history.Append(hctx, entry)
	observability.EndSpanWithError(span, err)
	if err == nil {
		return nil
	}

	s.metrics.RecordHistoryFailure()
	logger.Warn("history entry not recorded", zap.Error(err))
	return model.NewHistoryWriteFailedError(err)
}

func (s *Service) logStoreFailure(logger *zap.Logger, step string, err error) {
	if model.IsRetryable(err) {
		logger.Error("application store unavailable", zap.String("step", step), zap.Error(err))
	}
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
}
