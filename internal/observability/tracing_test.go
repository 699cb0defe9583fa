package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
)

// recordSpans installs an always-sampling provider that keeps finished spans
// in memory, restoring the previous globals on cleanup.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	return spans[0]
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr string
	}{
		{"disabled", config.TracingConfig{Exporter: "jaeger"}, ""},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, ""},
		{"unsupported", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, `unsupported exporter "zipkin"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg, "crm", "test")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("InitTracing() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{-3, "TraceIDRatioBased{0.1}"},
		{0.25, "TraceIDRatioBased{0.25}"},
		{1, "AlwaysOnSampler"},
		{7, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
			t.Errorf("newSampler(%v) = %s, want parent-based %s", tt.rate, desc, tt.want)
		}
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, failed := StartSpan(context.Background(), "store.commit", AttrAttempt.Int(3))
	EndSpanWithError(failed, errors.New("UNAVAILABLE: connection reset"))
	_, ok := StartSpan(context.Background(), "store.load")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || len(spans[0].Events) != 1 {
		t.Errorf("failed span status = %v events = %d, want Error/1", spans[0].Status.Code, len(spans[0].Events))
	}
	if got := attrs(spans[0])["crm.attempt"]; got != "3" {
		t.Errorf("crm.attempt = %q, want 3", got)
	}
	if spans[1].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v, want Unset", spans[1].Status.Code)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "workflow.get")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext = %q, want %q", got, want)
	}
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := recordSpans(t)

	r := chi.NewRouter()
	r.Post("/applications/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/applications/app-42/approve", nil)
	TracingMiddleware(r).ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	if s.Name != "POST /applications/{id}/approve" {
		t.Errorf("span name = %q, want the route pattern", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	got := attrs(s)
	want := map[string]string{
		"crm.application_id":        "app-42",
		"http.route":                "/applications/{id}/approve",
		"url.path":                  "/applications/app-42/approve",
		"http.response.status_code": "200",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestTracingMiddleware_unroutedKeepsPath(t *testing.T) {
	exporter := recordSpans(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	s := onlySpan(t, exporter)
	if s.Name != "GET /healthz" {
		t.Errorf("span name = %q, want GET /healthz", s.Name)
	}
	if _, ok := attrs(s)["crm.application_id"]; ok {
		t.Error("unrouted request tagged with an application id")
	}
}

func TestTracingMiddleware_statusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   codes.Code
	}{
		{http.StatusUnprocessableEntity, codes.Unset},
		{http.StatusConflict, codes.Unset},
		{http.StatusServiceUnavailable, codes.Error},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := recordSpans(t)
			h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/applications/app-1/status", nil))

			s := onlySpan(t, exporter)
			if s.Status.Code != tt.want {
				t.Errorf("span status = %v, want %v", s.Status.Code, tt.want)
			}
		})
	}
}

func TestTracingMiddleware_joinsInboundTrace(t *testing.T) {
	exporter := recordSpans(t)

	const traceID, parentID = "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7"
	var handlerTraceID string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerTraceID = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/applications/app-1/history", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentID+"-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if s.SpanContext.TraceID().String() != traceID || s.Parent.SpanID().String() != parentID {
		t.Errorf("span trace/parent = %s/%s, want %s/%s",
			s.SpanContext.TraceID(), s.Parent.SpanID(), traceID, parentID)
	}
	if handlerTraceID != traceID {
		t.Errorf("handler trace id = %q, want %q", handlerTraceID, traceID)
	}
	if !strings.Contains(rec.Header().Get("Traceparent"), traceID) {
		t.Errorf("response Traceparent = %q, want trace %s", rec.Header().Get("Traceparent"), traceID)
	}
}
