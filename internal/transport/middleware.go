package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/internal/idempotency"
	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Request and response headers understood by the API.
const (
	HeaderCorrelationID      = "X-Correlation-Id"
	HeaderIdempotencyKey     = "X-Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

const maxBodyBytes = 1 << 20

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores JWT claims in the context. Used by the auth middleware.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					)
					writeRequestError(w, r, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.Header().Set("Access-Control-Expose-Headers", HeaderCorrelationID+", "+HeaderIdempotentReplayed)
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id from the request header or generates a
// new one, then stores it in the context and sets the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext constructs a model.RequestContext from the verified
// JWT claims (sub, role, entity_id) and rejects identities the workflow
// cannot act for.
func BuildRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		rctx := &model.RequestContext{
			SubjectID:     claimString(claims, "sub"),
			EntityID:      claimString(claims, "entity_id"),
			Claims:        claims,
			CorrelationID: CorrelationIDFrom(r.Context()),
			TraceID:       observability.TraceIDFromContext(r.Context()),
		}
		if rctx.SubjectID == "" {
			writeRequestError(w, r, model.NewUnauthorizedError("token has no subject"))
			return
		}
		role, err := model.ParseRole(claimString(claims, "role"))
		if err != nil {
			writeRequestError(w, r, model.NewForbiddenError("token carries no recognised role"))
			return
		}
		rctx.Role = role

		ctx := model.WithRequestContext(r.Context(), rctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores a request-scoped logger in the context and logs
// each request with method, path, status, and duration.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := observability.WithLogger(r.Context(), logger)
			reqLogger := observability.RequestLogger(ctx, logger)

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case ww.status >= 500:
				reqLogger.Error("request", fields...)
			case ww.status >= 400:
				reqLogger.Warn("request", fields...)
			default:
				reqLogger.Info("request", fields...)
			}
		})
	}
}

// Idempotency replays the recorded response when a POST is retried with
// the same X-Idempotency-Key. Keys are scoped to the authenticated subject
// and reserved before the request runs, so a concurrent duplicate is a
// CONFLICT rather than a second execution. Reusing a key for a different
// request is also a CONFLICT. Only 2xx responses are recorded.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *zap.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	pendingTTL := min(ttl, idempotency.PendingTTL)
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			rctx := model.RequestContextFrom(r.Context())
			if key == "" || r.Method != http.MethodPost || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			log := observability.RequestLogger(r.Context(), logger).With(zap.String("idempotency_key", key))

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil || len(body) > maxBodyBytes {
				writeRequestError(w, r, model.NewBadRequestError("request body could not be read"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			storeKey := idempotency.FormatKey(rctx.SubjectID, key)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

			replay := func() bool {
				cached, found, err := store.Check(r.Context(), storeKey, hash)
				switch {
				case model.CodeOf(err) == model.ErrConflict:
					writeRequestError(w, r, err)
					return true
				case err != nil:
					log.Warn("idempotency lookup failed, executing request", zap.Error(err))
					return false
				case !found:
					return false
				}
				metrics.RecordIdempotentReplay()
				log.Debug("idempotent replay")
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set(HeaderIdempotentReplayed, "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return true
			}
			if replay() {
				return
			}

			reserved, err := store.Reserve(r.Context(), storeKey, hash, pendingTTL)
			switch {
			case err != nil:
				log.Warn("idempotency reservation failed, executing request", zap.Error(err))
			case !reserved:
				// Another request holds the key; answer with its outcome.
				if !replay() {
					writeRequestError(w, r, model.NewConflictError(
						fmt.Sprintf("a request with idempotency key %q is still in progress", key)))
				}
				return
			}

			cw := &captureWriter{statusWriter: statusWriter{ResponseWriter: w, status: http.StatusOK}}
			next.ServeHTTP(cw, r)

			sctx := context.WithoutCancel(r.Context())
			if cw.status < 200 || cw.status >= 300 {
				if reserved {
					if err := store.Release(sctx, storeKey); err != nil {
						log.Warn("idempotency release failed", zap.Error(err))
					}
				}
				return
			}
			resp := idempotency.Response{
				Status:      cw.status,
				ContentType: cw.Header().Get("Content-Type"),
				Body:        cw.buf.Bytes(),
			}
			if err := store.Store(sctx, storeKey, hash, resp, ttl); err != nil {
				log.Warn("idempotency record failed", zap.Error(err))
			}
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// captureWriter additionally keeps a copy of the body.
type captureWriter struct {
	statusWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.statusWriter.Write(b)
}

func claimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	v, _ := claims[key].(string)
	return v
}
