package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_transitionDeniedCarriesMeta(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewTransitionDeniedError(model.StatusApproved, model.StatusCompleted, model.RoleAdvisor))

	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrTransitionDenied {
		t.Errorf("code = %q, want TRANSITION_DENIED", resp.Error.Code)
	}
	if resp.Error.Meta[model.MetaCurrentStatus] != "approved" || resp.Error.Meta[model.MetaRequestedStatus] != "completed" {
		t.Errorf("meta = %v", resp.Error.Meta)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("commit: %w", model.NewConflictError("stale")))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for wrapped conflict", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteError_traceIDDoesNotMutateInput(t *testing.T) {
	ee := model.NewNotFoundError("missing")
	w := httptest.NewRecorder()
	writeError(w, ee, "trace-1")

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.TraceID != "trace-1" {
		t.Errorf("trace_id = %q, want trace-1", resp.Error.TraceID)
	}
	if ee.TraceID != "" {
		t.Error("writeError mutated the caller's envelope")
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrTransitionDenied, 422},
		{model.ErrInternalError, 500},
		{model.ErrUnavailable, 503},
		{model.ErrCanceled, 499},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
