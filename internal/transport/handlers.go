package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tresgarza/may20-crm-final-sub000/internal/workflow"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Workflow is the application status service behind the HTTP API.
type Workflow interface {
	Create(ctx context.Context, req workflow.CreateRequest) (*workflow.Result, error)
	Get(ctx context.Context, id string, actor model.Actor) (*model.Application, error)
	History(ctx context.Context, id string, actor model.Actor) ([]model.HistoryEntry, error)
	List(ctx context.Context, filter model.ApplicationFilter, actor model.Actor) ([]*model.Application, error)
	ProposeStatus(ctx context.Context, req workflow.ProposeRequest) (*workflow.Result, error)
	Approve(ctx context.Context, id string, actor model.Actor, comment string) (*workflow.Result, error)
	Reject(ctx context.Context, id string, actor model.Actor, comment string) (*workflow.Result, error)
	CancelApproval(ctx context.Context, id string, actor model.Actor, comment string) (*workflow.Result, error)
	MarkDispersed(ctx context.Context, id string, actor model.Actor, comment string) (*workflow.Result, error)
}

// decisionFunc is the shape shared by the named single-step operations.
type decisionFunc func(ctx context.Context, id string, actor model.Actor, comment string) (*workflow.Result, error)

func handleCreate(svc Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var body struct {
			ID        string `json:"id"`
			AdvisorID string `json:"advisor_id"`
			CompanyID string `json:"company_id"`
			Comment   string `json:"comment"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		res, err := svc.Create(r.Context(), workflow.CreateRequest{
			ID:        body.ID,
			AdvisorID: body.AdvisorID,
			CompanyID: body.CompanyID,
			Actor:     actor,
			Comment:   body.Comment,
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.Header().Set("Location", "/applications/"+res.Application.ID)
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleList(svc Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := model.ApplicationFilter{
			AdvisorID: q.Get("advisor_id"),
			CompanyID: q.Get("company_id"),
			Page:      queryInt(r, "page", 1),
			PageSize:  queryInt(r, "page_size", 20),
		}
		if raw := q.Get("status"); raw != "" {
			s, err := model.ParseStatus(raw)
			if err != nil {
				writeRequestError(w, r, err)
				return
			}
			filter.Status = s
		}

		apps, err := svc.List(r.Context(), filter, actor)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if apps == nil {
			apps = []*model.Application{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":      apps,
			"page":      filter.Page,
			"page_size": filter.PageSize,
		})
	}
}

func handleGet(svc Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		app, err := svc.Get(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, app)
	}
}

func handleHistory(svc Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		entries, err := svc.History(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if entries == nil {
			entries = []model.HistoryEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func handleProposeStatus(svc Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var body struct {
			Field      string `json:"field"`
			Status     string `json:"status"`
			Comment    string `json:"comment"`
			RecordNoop bool   `json:"record_noop"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		field, err := model.ParseField(body.Field)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		status, err := model.ParseStatus(body.Status)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}

		res, err := svc.ProposeStatus(r.Context(), workflow.ProposeRequest{
			ApplicationID: chi.URLParam(r, "id"),
			Field:         field,
			Status:        status,
			Actor:         actor,
			Comment:       body.Comment,
			RecordNoop:    body.RecordNoop,
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDecision(op decisionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		res, err := op(r.Context(), chi.URLParam(r, "id"), actor, body.Comment)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// --- helpers ---

func actorFrom(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
		return model.Actor{}, false
	}
	return rctx.Actor(), true
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
