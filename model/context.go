package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries identity and tracing information for the lifetime
// of an authenticated request. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Role          Role
	EntityID      string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if !rc.Role.Party() && rc.Role != RoleAdmin {
		errs = append(errs, fmt.Errorf("Role %q is not recognised", rc.Role))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Actor converts the request identity into a workflow actor.
func (rc *RequestContext) Actor() Actor {
	return Actor{ID: rc.SubjectID, Role: rc.Role, EntityID: rc.EntityID}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
