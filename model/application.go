package model

import "time"

// Application is the subject of the approval workflow. Only the status
// fields owned by the workflow are modelled here.
type Application struct {
	ID        string `json:"id"`
	AdvisorID string `json:"advisor_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`

	Status        Status `json:"status"`
	AdvisorStatus Status `json:"advisor_status"`
	CompanyStatus Status `json:"company_status"`

	ApprovedByAdvisor bool `json:"approved_by_advisor"`
	ApprovedByCompany bool `json:"approved_by_company"`
	RejectedByAdvisor bool `json:"rejected_by_advisor"`
	RejectedByCompany bool `json:"rejected_by_company"`
	RejectedByAdmin   bool `json:"rejected_by_admin"`

	ApprovalDateAdvisor *time.Time `json:"approval_date_advisor,omitempty"`
	ApprovalDateCompany *time.Time `json:"approval_date_company,omitempty"`
	DispersalDate       *time.Time `json:"dispersal_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// NewApplication returns an application in its initial state: global and
// both party views at New, no approvals or rejections.
func NewApplication(id, advisorID, companyID string, now time.Time) *Application {
	return &Application{
		ID:            id,
		AdvisorID:     advisorID,
		CompanyID:     companyID,
		Status:        StatusNew,
		AdvisorStatus: StatusNew,
		CompanyStatus: StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// timestamps.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	c.ApprovalDateAdvisor = cloneTime(a.ApprovalDateAdvisor)
	c.ApprovalDateCompany = cloneTime(a.ApprovalDateCompany)
	c.DispersalDate = cloneTime(a.DispersalDate)
	return &c
}

// PartyStatus returns the view owned by the given party field.
func (a *Application) PartyStatus(f Field) Status {
	switch f {
	case FieldAdvisor:
		return a.AdvisorStatus
	case FieldCompany:
		return a.CompanyStatus
	}
	return a.Status
}

// StatusOf returns the value of the selected field.
func (a *Application) StatusOf(f Field) Status {
	return a.PartyStatus(f)
}

// Approved reports whether the party owning f currently has an approval in force.
func (a *Application) Approved(f Field) bool {
	switch f {
	case FieldAdvisor:
		return a.ApprovedByAdvisor
	case FieldCompany:
		return a.ApprovedByCompany
	}
	return false
}

// VisibleTo applies the entity filter: party actors only see applications
// assigned to their advisor or company. Actors without an entity, and
// admins, see everything.
func (a *Application) VisibleTo(actor Actor) bool {
	if actor.EntityID == "" {
		return true
	}
	switch actor.Role {
	case RoleAdvisor:
		return a.AdvisorID == "" || a.AdvisorID == actor.EntityID
	case RoleCompany:
		return a.CompanyID == "" || a.CompanyID == actor.EntityID
	}
	return true
}

// Actor is the identity performing a workflow operation, as supplied by the
// identity collaborator.
type Actor struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	EntityID string `json:"entity_id,omitempty"`
}

// HistoryEntry is an immutable audit record of one status change.
type HistoryEntry struct {
	ID              string    `json:"id"`
	ApplicationID   string    `json:"application_id"`
	Field           Field     `json:"field"`
	RequestedStatus Status    `json:"requested_status"`
	PriorStatus     Status    `json:"prior_status"`
	ResultingStatus Status    `json:"resulting_status"`
	Comment         string    `json:"comment,omitempty"`
	ActorID         string    `json:"actor_id"`
	ActorRole       Role      `json:"actor_role"`
	CreatedAt       time.Time `json:"created_at"`
}

// ApplicationFilter narrows List queries.
type ApplicationFilter struct {
	Status    Status
	AdvisorID string
	CompanyID string
	Page      int
	PageSize  int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
