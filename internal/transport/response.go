// Package transport contains the HTTP router, middleware chain, and request
// handlers for the application status API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// statusClientClosedRequest is the non-standard status logged when the caller
// went away before the request was applied.
const statusClientClosedRequest = 499

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrForbidden:        http.StatusForbidden,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrValidationError:  http.StatusUnprocessableEntity,
	model.ErrTransitionDenied: http.StatusUnprocessableEntity,
	model.ErrInternalError:    http.StatusInternalServerError,
	model.ErrUnavailable:      http.StatusServiceUnavailable,
	model.ErrCanceled:         statusClientClosedRequest,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, "")
}

// writeRequestError is WriteError with the request's trace id stamped on
// the envelope.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, err, observability.TraceIDFromContext(r.Context()))
}

func writeError(w http.ResponseWriter, err error, traceID string) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if traceID != "" && ee.TraceID == "" {
		cp := *ee
		cp.TraceID = traceID
		ee = &cp
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}
