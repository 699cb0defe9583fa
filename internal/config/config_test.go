package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "crm-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.Timeout != 2*time.Second {
		t.Errorf("Store = %q/%v, want postgres/2s", cfg.Store.Driver, cfg.Store.Timeout)
	}
	if cfg.Store.MaxIdleConns != 5 {
		t.Errorf("Store.MaxIdleConns = %d, want default 5", cfg.Store.MaxIdleConns)
	}
	if cfg.Workflow.ConflictRetries != 2 || !cfg.Workflow.RecordNoop {
		t.Errorf("Workflow = %+v, want conflict_retries=2 record_noop=true", cfg.Workflow)
	}
	if cfg.Workflow.Retry.MaxAttempts != 4 || cfg.Workflow.Retry.BackoffInitial != 25*time.Millisecond {
		t.Errorf("Workflow.Retry = %+v", cfg.Workflow.Retry)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DB != 3 {
		t.Errorf("Idempotency.Store = %+v", cfg.Idempotency.Store)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want issuer message", err)
	}
}

func TestLoad_unsupported_drivers(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown drivers should return error")
	}
	for _, want := range []string{`store.driver "mongo"`, `idempotency.store.driver "memcached"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want it to mention %s", err, want)
		}
	}
}

func TestLoad_empty_path_uses_env(t *testing.T) {
	t.Setenv("CRM_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("CRM_IDENTITY_AUDIENCE", "env-audience")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Workflow.ConflictRetries != 1 {
		t.Errorf("default Workflow.ConflictRetries = %d, want 1", cfg.Workflow.ConflictRetries)
	}
	if cfg.Store.Timeout != 5*time.Second {
		t.Errorf("default Store.Timeout = %v, want 5s", cfg.Store.Timeout)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRM_SERVER_PORT", "3000")
	t.Setenv("CRM_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("CRM_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("CRM_STORE_TIMEOUT", "750ms")
	t.Setenv("CRM_WORKFLOW_RECORD_NOOP", "false")
	t.Setenv("CRM_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Store.Timeout != 750*time.Millisecond {
		t.Errorf("Store.Timeout = %v, want 750ms", cfg.Store.Timeout)
	}
	if cfg.Workflow.RecordNoop {
		t.Error("Workflow.RecordNoop = true, want env override false")
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.com"
		cfg.Identity.Audience = "crm-api"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"rsa algorithm", func(c *Config) { c.Identity.Algorithms = []string{"RS256"} }, "HMAC only"},
		{"store timeout", func(c *Config) { c.Store.Timeout = 0 }, "store.timeout"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSNEnv = "" }, "store.dsn_env"},
		{"retries", func(c *Config) { c.Workflow.ConflictRetries = -1 }, "conflict_retries"},
		{"attempts", func(c *Config) { c.Workflow.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"idempotency ttl", func(c *Config) {
			c.Idempotency.Enabled = true
			c.Idempotency.Store.DefaultTTL = 0
		}, "default_ttl"},
		{"disabled idempotency ignores driver", func(c *Config) {
			c.Idempotency.Enabled = false
			c.Idempotency.Store.Driver = "bogus"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSecretAndDSNFromEnv(t *testing.T) {
	t.Setenv("CRM_TEST_SECRET", "s3cr3t")
	t.Setenv("CRM_TEST_DSN", "postgres://crm@localhost/crm")

	id := IdentityConfig{SecretEnv: "CRM_TEST_SECRET"}
	if id.Secret() != "s3cr3t" {
		t.Errorf("Secret() = %q, want s3cr3t", id.Secret())
	}
	st := StoreConfig{DSNEnv: "CRM_TEST_DSN"}
	if st.DSN() != "postgres://crm@localhost/crm" {
		t.Errorf("DSN() = %q", st.DSN())
	}
	if (StoreConfig{}).DSN() != "" {
		t.Error("DSN() without env name should be empty")
	}
}
