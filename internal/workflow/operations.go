package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/internal/reconcile"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// ProposeRequest asks to move one status view of an application.
type ProposeRequest struct {
	ApplicationID string
	Field         model.Field
	Status        model.Status
	Actor         model.Actor
	Comment       string
	// RecordNoop appends a history entry even when Status equals the
	// current value of Field.
	RecordNoop bool
}

// CreateRequest registers a new application in its initial state.
type CreateRequest struct {
	ID        string
	AdvisorID string
	CompanyID string
	Actor     model.Actor
	Comment   string
}

// partyViews are the statuses a party may put on its own view. Later
// lifecycle stages are global moves.
var partyViews = map[model.Status]bool{
	model.StatusNew:      true,
	model.StatusInReview: true,
	model.StatusApproved: true,
	model.StatusRejected: true,
}

// ProposeStatus is the generic entry point: it moves the global status or
// one party's view and reconciles everything derived from it.
func (s *Service) ProposeStatus(ctx context.Context, req ProposeRequest) (*Result, error) {
	return s.propose(ctx, "propose_status", req)
}

// Approve records the actor's party approval.
func (s *Service) Approve(ctx context.Context, applicationID string, actor model.Actor, comment string) (*Result, error) {
	f, err := partyField(actor, "approve")
	if err != nil {
		return nil, err
	}
	return s.propose(ctx, "approve", ProposeRequest{
		ApplicationID: applicationID,
		Field:         f,
		Status:        model.StatusApproved,
		Actor:         actor,
		Comment:       comment,
	})
}

// Reject records a rejection attributed to the actor's party. Admin actors
// are routed to RejectAsAdmin.
func (s *Service) Reject(ctx context.Context, applicationID string, actor model.Actor, comment string) (*Result, error) {
	if actor.Role == model.RoleAdmin {
		return s.RejectAsAdmin(ctx, applicationID, actor, comment)
	}
	f, err := partyField(actor, "reject")
	if err != nil {
		return nil, err
	}
	return s.propose(ctx, "reject", ProposeRequest{
		ApplicationID: applicationID,
		Field:         f,
		Status:        model.StatusRejected,
		Actor:         actor,
		Comment:       comment,
	})
}

// RejectAsAdmin rejects the application globally, attributed to neither
// party.
func (s *Service) RejectAsAdmin(ctx context.Context, applicationID string, actor model.Actor, comment string) (*Result, error) {
	if actor.Role != model.RoleAdmin {
		return nil, model.NewForbiddenError(fmt.Sprintf("role %q may not reject as admin", actor.Role))
	}
	return s.propose(ctx, "reject_as_admin", ProposeRequest{
		ApplicationID: applicationID,
		Field:         model.FieldGlobal,
		Status:        model.StatusRejected,
		Actor:         actor,
		Comment:       comment,
	})
}

// CancelApproval withdraws the actor's party approval. Cancelling an
// approval that is not in force is a no-op.
func (s *Service) CancelApproval(ctx context.Context, applicationID string, actor model.Actor, comment string) (*Result, error) {
	f, err := partyField(actor, "cancel an approval")
	if err != nil {
		return nil, err
	}
	if applicationID == "" {
		return nil, model.NewBadRequestError("application id is required")
	}

	op := operation{
		name:          "cancel_approval",
		applicationID: applicationID,
		field:         f,
		requested:     model.StatusInReview,
		actor:         actor,
		comment:       comment,
	}
	return s.execute(ctx, op, func(cur *model.Application, at time.Time) (*model.Application, error) {
		if err := s.policy.CanDecide(cur.Status, model.StatusInReview, actor.Role); err != nil {
			return nil, err
		}
		if !cur.Approved(f) {
			return nil, nil
		}
		return reconcile.CancelApproval(cur, f, at), nil
	})
}

// MarkDispersed completes disbursement. It is only legal from PorDispersar,
// for every role.
func (s *Service) MarkDispersed(ctx context.Context, applicationID string, actor model.Actor, comment string) (*Result, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if applicationID == "" {
		return nil, model.NewBadRequestError("application id is required")
	}

	op := operation{
		name:          "mark_dispersed",
		applicationID: applicationID,
		field:         model.FieldGlobal,
		requested:     model.StatusCompleted,
		actor:         actor,
		comment:       comment,
	}
	return s.execute(ctx, op, func(cur *model.Application, at time.Time) (*model.Application, error) {
		if cur.Status != model.StatusPorDispersar {
			return nil, model.NewTransitionDeniedError(cur.Status, model.StatusCompleted, actor.Role)
		}
		if err := s.policy.Check(cur.Status, model.StatusCompleted, actor.Role); err != nil {
			return nil, err
		}
		return reconcile.Disperse(cur, at), nil
	})
}

func (s *Service) propose(ctx context.Context, name string, req ProposeRequest) (*Result, error) {
	if err := validateProposal(req); err != nil {
		return nil, err
	}
	op := operation{
		name:          name,
		applicationID: req.ApplicationID,
		field:         req.Field,
		requested:     req.Status,
		actor:         req.Actor,
		comment:       req.Comment,
		recordNoop:    req.RecordNoop,
	}
	return s.execute(ctx, op, func(cur *model.Application, at time.Time) (*model.Application, error) {
		if req.Field == model.FieldGlobal {
			return s.planGlobal(cur, req, at)
		}
		return s.planParty(cur, req, at)
	})
}

// planGlobal checks the role table against the global status.
func (s *Service) planGlobal(cur *model.Application, req ProposeRequest, at time.Time) (*model.Application, error) {
	if cur.Status == req.Status {
		return nil, nil
	}
	if err := s.policy.Check(cur.Status, req.Status, req.Actor.Role); err != nil {
		return nil, err
	}
	return reconcile.Apply(cur, reconcile.Change{
		Field:     model.FieldGlobal,
		Requested: req.Status,
		Role:      req.Actor.Role,
		At:        at,
	}), nil
}

// planParty gates a party view change. Approvals and rejections need an
// open decision window; other moves are checked against the global
// transition they cause.
func (s *Service) planParty(cur *model.Application, req ProposeRequest, at time.Time) (*model.Application, error) {
	role := req.Actor.Role
	view := cur.PartyStatus(req.Field)
	if view == req.Status {
		return nil, nil
	}
	if role != model.RoleAdmin && model.FieldFor(role) != req.Field {
		return nil, model.NewTransitionDeniedError(view, req.Status, role)
	}
	if !partyViews[req.Status] {
		return nil, model.NewTransitionDeniedError(view, req.Status, role)
	}

	next := reconcile.Apply(cur, reconcile.Change{
		Field:     req.Field,
		Requested: req.Status,
		Role:      role,
		At:        at,
	})
	switch req.Status {
	case model.StatusApproved, model.StatusRejected:
		if err := s.policy.CanDecide(cur.Status, req.Status, role); err != nil {
			return nil, err
		}
	default:
		if err := s.policy.Check(cur.Status, next.Status, role); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Create stores a new application with global and party views at New.
// Advisors may only create applications for themselves.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if err := validateActor(req.Actor); err != nil {
		return nil, err
	}
	switch req.Actor.Role {
	case model.RoleAdmin:
	case model.RoleAdvisor:
		if req.AdvisorID == "" {
			req.AdvisorID = req.Actor.EntityID
		}
		if req.Actor.EntityID != "" && req.AdvisorID != req.Actor.EntityID {
			return nil, model.NewForbiddenError("advisors may only create their own applications")
		}
	default:
		return nil, model.NewForbiddenError(fmt.Sprintf("role %q may not create applications", req.Actor.Role))
	}

	id := req.ID
	if id == "" {
		id = s.newID()
	}
	at := s.now()
	app := model.NewApplication(id, req.AdvisorID, req.CompanyID, at)

	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrApplicationID.String(id),
		observability.AttrRole.String(string(req.Actor.Role)),
	)
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("operation", "create"),
		zap.String("application_id", id),
	)

	if err := s.create(ctx, app); err != nil {
		s.logStoreFailure(logger, "create", err)
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	logger.Info("application created",
		zap.String("advisor_id", app.AdvisorID),
		zap.String("company_id", app.CompanyID),
	)

	res := &Result{Application: app, Changed: true}
	op := operation{
		name:          "create",
		applicationID: id,
		field:         model.FieldGlobal,
		requested:     model.StatusNew,
		actor:         req.Actor,
		comment:       req.Comment,
	}
	if w := s.appendHistory(ctx, logger, op, "", model.StatusNew, at); w != nil {
		res.Warnings = append(res.Warnings, w)
	}
	s.metrics.RecordTransition(string(model.FieldGlobal), string(model.StatusNew), string(req.Actor.Role))
	observability.EndSpanWithError(span, nil)
	return res, nil
}

// Get returns the application if the actor may see it.
func (s *Service) Get(ctx context.Context, applicationID string, actor model.Actor) (*model.Application, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	app, err := s.load(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if !app.VisibleTo(actor) {
		return nil, notFound(applicationID)
	}
	return app, nil
}

// History returns the audit trail of an application the actor may see.
func (s *Service) History(ctx context.Context, applicationID string, actor model.Actor) ([]model.HistoryEntry, error) {
	if _, err := s.Get(ctx, applicationID, actor); err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	entries, err := s.history.List(hctx, applicationID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	return entries, nil
}

// List returns applications matching filter. Party actors bound to an
// entity only see their own applications.
func (s *Service) List(ctx context.Context, filter model.ApplicationFilter, actor model.Actor) ([]*model.Application, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.EntityID != "" {
		switch actor.Role {
		case model.RoleAdvisor:
			filter.AdvisorID = actor.EntityID
		case model.RoleCompany:
			filter.CompanyID = actor.EntityID
		}
	}
	return s.list(ctx, filter)
}

func validateActor(actor model.Actor) error {
	if actor.ID == "" {
		return model.NewUnauthorizedError("actor id is required")
	}
	if !actor.Role.Party() && actor.Role != model.RoleAdmin {
		return model.NewForbiddenError(fmt.Sprintf("unknown role %q", actor.Role))
	}
	return nil
}

func validateProposal(req ProposeRequest) error {
	if err := validateActor(req.Actor); err != nil {
		return err
	}
	if req.ApplicationID == "" {
		return model.NewBadRequestError("application id is required")
	}
	switch req.Field {
	case model.FieldGlobal, model.FieldAdvisor, model.FieldCompany:
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown field %q", req.Field))
	}
	if !req.Status.Valid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown status %q", req.Status))
	}
	return nil
}

// partyField returns the view owned by the actor, refusing admins, who have
// no party view.
func partyField(actor model.Actor, what string) (model.Field, error) {
	if err := validateActor(actor); err != nil {
		return "", err
	}
	if actor.Role == model.RoleAdmin {
		return "", model.NewBadRequestError(fmt.Sprintf("admin has no party view to %s; use a global status change", what))
	}
	return model.FieldFor(actor.Role), nil
}
