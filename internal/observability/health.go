package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// Required: the transition policy compiled at startup.
	PolicyLoaded func() bool

	// Optional checks, only run if non-nil.
	ApplicationStore HealthChecker
	HistoryStore     HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

var errPolicyNotLoaded = errors.New("transition policy not loaded")

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. Checks
// run concurrently, each under its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	policy := HealthCheckFunc(func(context.Context) error {
		if checks.PolicyLoaded == nil || !checks.PolicyLoaded() {
			return errPolicyNotLoaded
		}
		return nil
	})

	named := map[string]HealthChecker{"policy": policy}
	if checks.ApplicationStore != nil {
		named["application_store"] = checks.ApplicationStore
	}
	if checks.HistoryStore != nil {
		named["history_store"] = checks.HistoryStore
	}
	if checks.IdempotencyStore != nil {
		named["idempotency_store"] = checks.IdempotencyStore
	}

	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex

		var g errgroup.Group
		for name, checker := range named {
			g.Go(func() error {
				res := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status := "ready"
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		_ = json.NewEncoder(w).Encode(ReadinessResponse{
			Status: status,
			Checks: results,
		})
	}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{
			Status:    "error",
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}
	return CheckResult{
		Status:    "ok",
		LatencyMs: latency,
	}
}
