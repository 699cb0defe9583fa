// Package reconcile derives the authoritative global status and the
// approval/rejection flags from a requested change to one status view.
//
// Every function is pure: it returns a modified copy and never consults the
// transition policy. Callers check legality first.
package reconcile

import (
	"fmt"
	"time"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Change is a requested move of one status view.
type Change struct {
	Field     model.Field
	Requested model.Status
	Role      model.Role
	At        time.Time
}

// Apply computes the full field set that results from ch. Precedence:
// a rejection wins, then both-approve, then the updated view is mirrored
// into the global status.
func Apply(app *model.Application, ch Change) *model.Application {
	out := app.Clone()
	switch ch.Field {
	case model.FieldAdvisor, model.FieldCompany:
		applyParty(out, ch)
	default:
		applyGlobal(out, ch)
	}
	out.UpdatedAt = ch.At
	return out
}

func applyParty(a *model.Application, ch Change) {
	f := ch.Field
	switch ch.Requested {
	case model.StatusRejected:
		reject(a, roleOf(f), ch.At)
		return
	case model.StatusInReview:
		if a.Approved(f) {
			withdraw(a, f, ch.At)
			return
		}
	}

	reopen(a)
	setView(a, f, ch.Requested)
	if ch.Requested != model.StatusApproved {
		setApproved(a, f, false, ch.At)
		a.Status = ch.Requested
		return
	}

	setApproved(a, f, true, ch.At)
	if a.ApprovedByAdvisor && a.ApprovedByCompany {
		a.Status = model.StatusApproved
		return
	}
	// A lone approval holds the global status in review.
	a.Status = model.StatusInReview
}

func applyGlobal(a *model.Application, ch Change) {
	switch ch.Requested {
	case model.StatusRejected:
		reject(a, ch.Role, ch.At)
	case model.StatusCompleted:
		disperse(a, ch.At)
	case model.StatusNew, model.StatusInReview:
		clearRejection(a)
		setApproved(a, model.FieldAdvisor, false, ch.At)
		setApproved(a, model.FieldCompany, false, ch.At)
		a.Status = ch.Requested
		a.AdvisorStatus = ch.Requested
		a.CompanyStatus = ch.Requested
	case model.StatusApproved:
		reopen(a)
		a.Status = model.StatusApproved
		if ch.Role.Party() {
			f := model.FieldFor(ch.Role)
			setView(a, f, model.StatusApproved)
			setApproved(a, f, true, ch.At)
		}
	case model.StatusPorDispersar:
		a.Status = model.StatusPorDispersar
		a.AdvisorStatus = model.StatusPorDispersar
		a.CompanyStatus = model.StatusPorDispersar
	default:
		a.Status = ch.Requested
	}
}

// CancelApproval withdraws the approval held by the party owning f. The
// global status stays Approved only while the other party still approves.
func CancelApproval(app *model.Application, f model.Field, at time.Time) *model.Application {
	out := app.Clone()
	withdraw(out, f, at)
	out.UpdatedAt = at
	return out
}

// Disperse finalizes disbursement: all three views become Completed and the
// dispersal date is stamped.
func Disperse(app *model.Application, at time.Time) *model.Application {
	out := app.Clone()
	disperse(out, at)
	out.UpdatedAt = at
	return out
}

func withdraw(a *model.Application, f model.Field, at time.Time) {
	setApproved(a, f, false, at)
	setView(a, f, model.StatusInReview)
	if a.Approved(other(f)) {
		a.Status = model.StatusApproved
	} else {
		a.Status = model.StatusInReview
	}
}

func disperse(a *model.Application, at time.Time) {
	a.Status = model.StatusCompleted
	a.AdvisorStatus = model.StatusCompleted
	a.CompanyStatus = model.StatusCompleted
	t := at
	a.DispersalDate = &t
}

// reject forces every view to Rejected and attributes the rejection to
// exactly one party, or to an admin when no party is named.
func reject(a *model.Application, by model.Role, at time.Time) {
	a.Status = model.StatusRejected
	a.AdvisorStatus = model.StatusRejected
	a.CompanyStatus = model.StatusRejected
	setApproved(a, model.FieldAdvisor, false, at)
	setApproved(a, model.FieldCompany, false, at)
	a.RejectedByAdvisor = by == model.RoleAdvisor
	a.RejectedByCompany = by == model.RoleCompany
	a.RejectedByAdmin = !by.Party()
}

// reopen lifts a standing rejection: flags are cleared and views that were
// forced to Rejected go back to review.
func reopen(a *model.Application) {
	if a.Status != model.StatusRejected && !a.RejectedByAdvisor && !a.RejectedByCompany && !a.RejectedByAdmin {
		return
	}
	clearRejection(a)
	if a.AdvisorStatus == model.StatusRejected {
		a.AdvisorStatus = model.StatusInReview
	}
	if a.CompanyStatus == model.StatusRejected {
		a.CompanyStatus = model.StatusInReview
	}
}

func clearRejection(a *model.Application) {
	a.RejectedByAdvisor = false
	a.RejectedByCompany = false
	a.RejectedByAdmin = false
}

func setView(a *model.Application, f model.Field, s model.Status) {
	switch f {
	case model.FieldAdvisor:
		a.AdvisorStatus = s
	case model.FieldCompany:
		a.CompanyStatus = s
	}
}

// setApproved stamps the approval date when the flag turns true and clears
// it when the flag turns false. Re-approving keeps the original date.
func setApproved(a *model.Application, f model.Field, v bool, at time.Time) {
	var flag *bool
	var date **time.Time
	switch f {
	case model.FieldAdvisor:
		flag, date = &a.ApprovedByAdvisor, &a.ApprovalDateAdvisor
	case model.FieldCompany:
		flag, date = &a.ApprovedByCompany, &a.ApprovalDateCompany
	default:
		return
	}
	switch {
	case v && !*flag:
		t := at
		*date = &t
	case !v:
		*date = nil
	}
	*flag = v
}

func other(f model.Field) model.Field {
	if f == model.FieldAdvisor {
		return model.FieldCompany
	}
	return model.FieldAdvisor
}

func roleOf(f model.Field) model.Role {
	if f == model.FieldAdvisor {
		return model.RoleAdvisor
	}
	return model.RoleCompany
}

// Check verifies record-level invariants before a commit.
func Check(a *model.Application) error {
	if a.RejectedByAdvisor && a.RejectedByCompany {
		return invariantError(a, "rejection attributed to both parties")
	}
	if a.Status == model.StatusRejected {
		n := 0
		for _, v := range []bool{a.RejectedByAdvisor, a.RejectedByCompany, a.RejectedByAdmin} {
			if v {
				n++
			}
		}
		if n != 1 {
			return invariantError(a, "rejected application must have exactly one rejecting party")
		}
	}
	if a.ApprovedByAdvisor != (a.ApprovalDateAdvisor != nil) {
		return invariantError(a, "advisor approval flag and date disagree")
	}
	if a.ApprovedByCompany != (a.ApprovalDateCompany != nil) {
		return invariantError(a, "company approval flag and date disagree")
	}
	if a.Status == model.StatusCompleted && a.DispersalDate == nil {
		return invariantError(a, "completed application has no dispersal date")
	}
	return nil
}

func invariantError(a *model.Application, msg string) error {
	return &model.ErrorEnvelope{
		Code:    model.ErrInternalError,
		Message: fmt.Sprintf("application %s: %s", a.ID, msg),
	}
}
