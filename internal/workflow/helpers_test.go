package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tresgarza/may20-crm-final-sub000/internal/history"
	"github.com/tresgarza/may20-crm-final-sub000/internal/policy"
	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

var t0 = time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)

var (
	advisor = model.Actor{ID: "user-adv", Role: model.RoleAdvisor, EntityID: "adv-1"}
	company = model.Actor{ID: "user-co", Role: model.RoleCompany, EntityID: "co-1"}
	admin   = model.Actor{ID: "user-admin", Role: model.RoleAdmin}
)

// stepClock advances one minute per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	history *history.MemoryRecorder
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1.5}
}

// newFixture wires a service over in-memory adapters. wrap, when non-nil,
// decorates the memory store.
func newFixture(t *testing.T, wrap func(store.Store) store.Store, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	rec := history.NewMemoryRecorder()

	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}

	var seq atomic.Int64
	clock := &stepClock{now: t0}
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("h-%d", seq.Add(1)) }),
		WithRetryPolicy(testRetryPolicy()),
		WithStoreTimeout(time.Second),
	}
	svc := NewService(st, rec, policy.MustNew(), append(base, opts...)...)
	return &fixture{svc: svc, store: mem, history: rec}
}

// seed stores an application directly, bypassing the workflow.
func (f *fixture) seed(t *testing.T, mutate func(*model.Application)) *model.Application {
	t.Helper()
	app := model.NewApplication("app-1", "adv-1", "co-1", t0)
	if mutate != nil {
		mutate(app)
	}
	if err := f.store.Create(context.Background(), app); err != nil {
		t.Fatalf("seed Create error: %v", err)
	}
	return app
}

func inReview(app *model.Application) {
	app.Status = model.StatusInReview
	app.AdvisorStatus = model.StatusInReview
	app.CompanyStatus = model.StatusInReview
}

func (f *fixture) current(t *testing.T) *model.Application {
	t.Helper()
	app, err := f.store.LoadForUpdate(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("LoadForUpdate error: %v", err)
	}
	return app
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if got := model.CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}

// staleStore holds the first n loads until all n have read, so that every
// caller commits against the same version.
type staleStore struct {
	store.Store
	n         int32
	loads     atomic.Int32
	gate      chan struct{}
	conflicts atomic.Int32
}

func newStaleStore(inner store.Store, n int) *staleStore {
	return &staleStore{Store: inner, n: int32(n), gate: make(chan struct{})}
}

func (s *staleStore) LoadForUpdate(ctx context.Context, id string) (*model.Application, error) {
	app, err := s.Store.LoadForUpdate(ctx, id)
	k := s.loads.Add(1)
	if k < s.n {
		<-s.gate
	} else if k == s.n {
		close(s.gate)
	}
	return app, err
}

func (s *staleStore) Commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	stored, err := s.Store.Commit(ctx, app)
	if model.CodeOf(err) == model.ErrConflict {
		s.conflicts.Add(1)
	}
	return stored, err
}

// flakyStore fails the first n commits with UNAVAILABLE.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	commits  atomic.Int32
}

func (s *flakyStore) Commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	s.commits.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, model.NewUnavailableError(errors.New("connection reset by peer"))
	}
	return s.Store.Commit(ctx, app)
}

// hangingStore blocks loads until the call deadline.
type hangingStore struct {
	store.Store
}

func (s hangingStore) LoadForUpdate(ctx context.Context, _ string) (*model.Application, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// alwaysConflict rejects every commit as stale.
type alwaysConflict struct {
	store.Store
	commits atomic.Int32
}

func (s *alwaysConflict) Commit(context.Context, *model.Application) (*model.Application, error) {
	s.commits.Add(1)
	return nil, model.NewConflictError("stale")
}

// failingRecorder refuses every append.
type failingRecorder struct{}

func (failingRecorder) Append(context.Context, model.HistoryEntry) error {
	return errors.New("history table locked")
}

func (failingRecorder) List(context.Context, string) ([]model.HistoryEntry, error) {
	return nil, errors.New("history table locked")
}

// slowCommitStore announces each commit, then takes delay to answer. Like a
// database driver it fails the call when its context ends first.
type slowCommitStore struct {
	store.Store
	delay   time.Duration
	started chan struct{}
}

func (s *slowCommitStore) Commit(ctx context.Context, app *model.Application) (*model.Application, error) {
	close(s.started)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Commit(ctx, app)
}

// lostReplyStore fails the first create with UNAVAILABLE. When landed is
// set the row is written before the failure is reported.
type lostReplyStore struct {
	store.Store
	landed  bool
	creates atomic.Int32
}

func (s *lostReplyStore) Create(ctx context.Context, app *model.Application) error {
	if s.creates.Add(1) > 1 {
		return s.Store.Create(ctx, app)
	}
	if s.landed {
		if err := s.Store.Create(ctx, app); err != nil {
			return err
		}
	}
	return model.NewUnavailableError(errors.New("i/o timeout"))
}
