// Package integration provides a reusable test harness for end-to-end
// testing of the application status API. It starts the full HTTP stack
// over in-memory, Postgres, or Redis-backed stores with a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/internal/history"
	"github.com/tresgarza/may20-crm-final-sub000/internal/idempotency"
	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/internal/policy"
	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
	"github.com/tresgarza/may20-crm-final-sub000/internal/transport"
	"github.com/tresgarza/may20-crm-final-sub000/internal/workflow"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// TestHarness encapsulates a fully wired service instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store       store.Store
	History     history.Recorder
	Idempotency idempotency.Store
	Service     *workflow.Service
	Metrics     *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	postgres           bool
	redis              bool
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	storeTimeout       time.Duration
	wrapStore          func(store.Store) store.Store
	wrapHistory        func(history.Recorder) history.Recorder
}

// WithPostgres runs the application store and history against Postgres:
// CRM_TEST_PG_DSN when set, otherwise a throwaway container. The test is
// skipped in -short mode or when no database can be started.
func WithPostgres() HarnessOption {
	return func(c *harnessConfig) { c.postgres = true }
}

// WithRedisIdempotency backs the idempotency store with an in-process
// Redis server.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithoutIdempotency disables the idempotency middleware.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotencyEnabled = false }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithStoreTimeout bounds each store call made by the workflow service.
func WithStoreTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.storeTimeout = d }
}

// WithStoreWrapper decorates the application store, e.g. to inject faults.
func WithStoreWrapper(wrap func(store.Store) store.Store) HarnessOption {
	return func(c *harnessConfig) { c.wrapStore = wrap }
}

// WithHistoryWrapper decorates the history recorder.
func WithHistoryWrapper(wrap func(history.Recorder) history.Recorder) HarnessOption {
	return func(c *harnessConfig) { c.wrapHistory = wrap }
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		idempotencyEnabled: true,
		handlerTimeout:     10 * time.Second,
		storeTimeout:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Build stores.
	if hc.postgres {
		pool := startPostgres(t)
		h.Store = store.NewPgStore(pool)
		h.History = history.NewPgRecorder(pool)
	} else {
		h.Store = store.NewMemoryStore()
		h.History = history.NewMemoryRecorder()
	}
	if hc.wrapStore != nil {
		h.Store = hc.wrapStore(h.Store)
	}
	if hc.wrapHistory != nil {
		h.History = hc.wrapHistory(h.History)
	}

	if hc.redis {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.Idempotency = idempotency.NewRedisStore(client)
	} else {
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 2: Build the workflow service with fast retries.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Service = workflow.NewService(h.Store, h.History, policy.MustNew(),
		workflow.WithMetrics(h.Metrics),
		workflow.WithStoreTimeout(hc.storeTimeout),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
		}),
	)

	// Step 3: Create JWT issuer.
	h.issuer = newTokenIssuer()

	// Step 4: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Idempotency.Enabled = hc.idempotencyEnabled

	// Step 5: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		Service:      h.Service,
		Idempotency:  h.Idempotency,
		Metrics:      h.Metrics,
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			PolicyLoaded:     func() bool { return true },
			ApplicationStore: healthCheckerOf(h.Store),
			HistoryStore:     healthCheckerOf(h.History),
			IdempotencyStore: healthCheckerOf(h.Idempotency),
		}),
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(h.server.Close)

	return h
}

func healthCheckerOf(v any) observability.HealthChecker {
	hc, _ := v.(observability.HealthChecker)
	return hc
}

// startPostgres returns a migrated pool against CRM_TEST_PG_DSN or a
// throwaway Postgres 16 container.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("CRM_TEST_PG_DSN")
	if dsn == "" {
		pgC, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("crm"),
			postgres.WithUsername("crm"),
			postgres.WithPassword("crm"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

		dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("ConnectionString error: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New error: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("store.Migrate error: %v", err)
	}
	if err := history.Migrate(ctx, pool); err != nil {
		t.Fatalf("history.Migrate error: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE applications, application_status_history"); err != nil {
		t.Fatalf("truncate error: %v", err)
	}
	return pool
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	return body.Error
}

// --- Workflow helpers ---

// Result mirrors the JSON body of status-changing endpoints.
type Result struct {
	Application model.Application     `json:"application"`
	Changed     bool                  `json:"changed"`
	Warnings    []model.ErrorEnvelope `json:"warnings"`
}

// CreateApplication creates id for adv-1/co-1 as an admin.
func (h *TestHarness) CreateApplication(t *testing.T, id string) Result {
	t.Helper()
	var res Result
	resp := h.POST("/applications", map[string]any{
		"id": id, "advisor_id": "adv-1", "company_id": "co-1",
	}, h.GenerateToken(AdminClaims()))
	h.AssertJSON(t, resp, http.StatusCreated, &res)
	return res
}

// Do posts body to the application action path and decodes a 200 result.
func (h *TestHarness) Do(t *testing.T, claims TestClaims, id, action string, body any) Result {
	t.Helper()
	var res Result
	resp := h.POST(fmt.Sprintf("/applications/%s/%s", id, action), body, h.GenerateToken(claims))
	h.AssertJSON(t, resp, http.StatusOK, &res)
	return res
}

// --- Default test claims ---

// AdvisorClaims returns TestClaims for the advisor assigned to adv-1.
func AdvisorClaims() TestClaims {
	return TestClaims{SubjectID: "user-adv", Role: "advisor", EntityID: "adv-1"}
}

// CompanyClaims returns TestClaims for a user of company co-1.
func CompanyClaims() TestClaims {
	return TestClaims{SubjectID: "user-co", Role: "company", EntityID: "co-1"}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "user-admin", Role: "admin"}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
