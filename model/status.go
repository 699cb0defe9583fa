package model

import (
	"fmt"
	"strings"
)

// Status is a lifecycle state shared by the global status and both party
// views of an application.
type Status string

// Canonical lifecycle states. These are the values written to storage.
const (
	StatusNew          Status = "new"
	StatusInReview     Status = "in_review"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusPorDispersar Status = "por_dispersar"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
)

var allStatuses = []Status{
	StatusNew,
	StatusInReview,
	StatusApproved,
	StatusRejected,
	StatusPorDispersar,
	StatusCompleted,
	StatusCancelled,
	StatusExpired,
}

// statusAliases maps normalized legacy spellings onto canonical states.
// Keys are lowercase with spaces and dashes folded to underscores.
var statusAliases = map[string]Status{
	"new":                   StatusNew,
	"nuevo":                 StatusNew,
	"nueva":                 StatusNew,
	"in_review":             StatusInReview,
	"inreview":              StatusInReview,
	"review":                StatusInReview,
	"en_revision":           StatusInReview,
	"en_revisión":           StatusInReview,
	"revision":              StatusInReview,
	"approved":              StatusApproved,
	"aprobado":              StatusApproved,
	"aprobada":              StatusApproved,
	"rejected":              StatusRejected,
	"rechazado":             StatusRejected,
	"rechazada":             StatusRejected,
	"por_dispersar":         StatusPorDispersar,
	"pordispersar":          StatusPorDispersar,
	"awaiting_disbursement": StatusPorDispersar,
	"completed":             StatusCompleted,
	"completado":            StatusCompleted,
	"completada":            StatusCompleted,
	"dispersado":            StatusCompleted,
	"cancelled":             StatusCancelled,
	"canceled":              StatusCancelled,
	"cancelado":             StatusCancelled,
	"cancelada":             StatusCancelled,
	"expired":               StatusExpired,
	"expirado":              StatusExpired,
	"expirada":              StatusExpired,
}

// AllStatuses returns every lifecycle state in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

var statusSeparators = strings.NewReplacer(" ", "_", "-", "_")

// ParseStatus normalizes a raw status string, including legacy Spanish and
// mixed-case spellings, into a canonical Status.
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = statusSeparators.Replace(key)
	if s, ok := statusAliases[key]; ok {
		return s, nil
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown status %q", raw))
}

// Valid reports whether s is one of the canonical states.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle movement is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Role identifies the kind of actor performing an operation.
type Role string

const (
	RoleAdvisor Role = "advisor"
	RoleCompany Role = "company"
	RoleAdmin   Role = "admin"
)

// ParseRole normalizes a role claim.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "advisor", "asesor":
		return RoleAdvisor, nil
	case "company", "empresa":
		return RoleCompany, nil
	case "admin", "administrator":
		return RoleAdmin, nil
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown role %q", raw))
}

// Party reports whether the role is one of the two approving parties.
func (r Role) Party() bool {
	return r == RoleAdvisor || r == RoleCompany
}

// Field selects which status view an operation updates.
type Field string

const (
	FieldGlobal  Field = "global"
	FieldAdvisor Field = "advisor"
	FieldCompany Field = "company"
)

// ParseField normalizes a field selector. An empty value selects the global view.
func ParseField(raw string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "global", "status":
		return FieldGlobal, nil
	case "advisor", "advisor_status":
		return FieldAdvisor, nil
	case "company", "company_status":
		return FieldCompany, nil
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown field %q", raw))
}

// FieldFor returns the party view owned by role, or FieldGlobal for admins.
func FieldFor(role Role) Field {
	switch role {
	case RoleAdvisor:
		return FieldAdvisor
	case RoleCompany:
		return FieldCompany
	}
	return FieldGlobal
}
