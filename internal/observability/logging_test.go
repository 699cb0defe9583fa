package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.name); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewLogger_honoursLevel(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "warn"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn disabled at level warn")
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at level warn")
	}
}

func TestLoggerFrom(t *testing.T) {
	stored, fallback := zap.NewNop(), zap.NewNop()
	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom ignored the context logger")
	}
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom did not fall back")
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name    string
		rctx    *model.RequestContext
		want    map[string]any
		missing []string
	}{
		{
			name: "company with trace",
			rctx: &model.RequestContext{
				SubjectID: "user-co", Role: model.RoleCompany, EntityID: "co-7",
				CorrelationID: "corr-1", TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
			},
			want: map[string]any{
				"subject_id": "user-co", "role": "company", "entity_id": "co-7",
				"correlation_id": "corr-1", "trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
			},
		},
		{
			name:    "admin without entity",
			rctx:    &model.RequestContext{SubjectID: "user-admin", Role: model.RoleAdmin, CorrelationID: "corr-2"},
			want:    map[string]any{"subject_id": "user-admin", "role": "admin", "correlation_id": "corr-2"},
			missing: []string{"entity_id", "trace_id"},
		},
		{
			name:    "no request context",
			missing: []string{"subject_id", "role"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			ctx := context.Background()
			if tt.rctx != nil {
				ctx = model.WithRequestContext(ctx, tt.rctx)
			}

			RequestLogger(ctx, zap.New(core)).Info("status changed")

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("logged %d entries, want 1", len(entries))
			}
			fields := entries[0].ContextMap()
			for k, v := range tt.want {
				if fields[k] != v {
					t.Errorf("%s = %v, want %v", k, fields[k], v)
				}
			}
			for _, k := range tt.missing {
				if _, ok := fields[k]; ok {
					t.Errorf("unexpected field %s = %v", k, fields[k])
				}
			}
		})
	}
}
