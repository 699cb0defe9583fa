// Package policy decides which lifecycle moves each actor role may make.
//
// The role table is expressed as a statechart: every permitted edge is a
// transition guarded by the roles allowed to take it. Admin moves and
// identity moves never reach the chart.
package policy

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

const machineID = "application-status"

// Guard names registered on the machine.
const (
	guardAdvisor = "advisorOnly"
	guardParty   = "anyParty"
)

// transitionContext is the extended state carried through a single check.
type transitionContext struct {
	role model.Role
}

// Policy evaluates lifecycle transitions for a role. It is safe for
// concurrent use: machine configs are read-only and every check runs its
// own interpreter.
type Policy struct {
	machines map[model.Status]*statekit.MachineConfig[*transitionContext]
}

// New builds one statechart per non-terminal starting status.
func New() (*Policy, error) {
	p := &Policy{machines: make(map[model.Status]*statekit.MachineConfig[*transitionContext])}
	for _, s := range model.AllStatuses() {
		if s.Terminal() {
			continue
		}
		m, err := buildMachine(s)
		if err != nil {
			return nil, fmt.Errorf("policy: build machine from %s: %w", s, err)
		}
		p.machines[s] = m
	}
	return p, nil
}

// MustNew is New for package-level wiring and tests.
func MustNew() *Policy {
	p, err := New()
	if err != nil {
		panic(err)
	}
	return p
}

func state(s model.Status) statekit.StateID { return statekit.StateID(s) }

func event(s model.Status) statekit.EventType { return statekit.EventType(s) }

// buildMachine declares the advisor and company role tables as guarded
// transitions, starting from initial.
func buildMachine(initial model.Status) (*statekit.MachineConfig[*transitionContext], error) {
	return statekit.NewMachine[*transitionContext](machineID).
		WithInitial(state(initial)).
		WithContext(&transitionContext{}).
		WithGuard(guardAdvisor, isAdvisor).
		WithGuard(guardParty, isParty).
		State(state(model.StatusNew)).
			On(event(model.StatusInReview)).Target(state(model.StatusInReview)).Guard(guardAdvisor).
			Done().
		State(state(model.StatusInReview)).
			On(event(model.StatusNew)).Target(state(model.StatusNew)).Guard(guardAdvisor).
			On(event(model.StatusApproved)).Target(state(model.StatusApproved)).Guard(guardAdvisor).
			On(event(model.StatusRejected)).Target(state(model.StatusRejected)).Guard(guardAdvisor).
			Done().
		State(state(model.StatusApproved)).
			On(event(model.StatusPorDispersar)).Target(state(model.StatusPorDispersar)).Guard(guardParty).
			Done().
		State(state(model.StatusRejected)).
			On(event(model.StatusNew)).Target(state(model.StatusNew)).Guard(guardParty).
			On(event(model.StatusInReview)).Target(state(model.StatusInReview)).Guard(guardParty).
			On(event(model.StatusApproved)).Target(state(model.StatusApproved)).Guard(guardParty).
			Done().
		State(state(model.StatusPorDispersar)).
			On(event(model.StatusCompleted)).Target(state(model.StatusCompleted)).Guard(guardAdvisor).
			Done().
		State(state(model.StatusCompleted)).
			Final().
			Done().
		State(state(model.StatusCancelled)).
			Final().
			Done().
		State(state(model.StatusExpired)).
			Final().
			Done().
		Build()
}

func isAdvisor(ctx *transitionContext, _ statekit.Event) bool {
	return ctx != nil && ctx.role == model.RoleAdvisor
}

func isParty(ctx *transitionContext, _ statekit.Event) bool {
	return ctx != nil && ctx.role.Party()
}

// IsAllowed reports whether role may move an application from current to
// requested.
func (p *Policy) IsAllowed(current, requested model.Status, role model.Role) bool {
	if role == model.RoleAdmin {
		return true
	}
	if current == requested {
		return true
	}
	if !role.Party() || !requested.Valid() {
		return false
	}
	m, ok := p.machines[current]
	if !ok {
		// Terminal or unknown starting point.
		return false
	}
	return run(m, role, requested)
}

// run sends requested to a fresh interpreter and reports whether it
// landed there.
func run(m *statekit.MachineConfig[*transitionContext], role model.Role, requested model.Status) (moved bool) {
	tctx := &transitionContext{role: role}
	interp := statekit.NewInterpreter(m)
	interp.UpdateContext(func(c **transitionContext) {
		*c = tctx
	})
	interp.Start()
	defer interp.Stop()

	// An event with no transition out of the current state is a denial.
	defer func() {
		if recover() != nil {
			moved = false
		}
	}()
	interp.Send(statekit.Event{Type: event(requested)})
	return interp.Matches(state(requested))
}

// Check is IsAllowed returning a TRANSITION_DENIED envelope on refusal.
func (p *Policy) Check(current, requested model.Status, role model.Role) error {
	if !requested.Valid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown status %q", requested))
	}
	if !p.IsAllowed(current, requested, role) {
		return model.NewTransitionDeniedError(current, requested, role)
	}
	return nil
}

// decisionWindow lists the global statuses during which a party may approve
// or reject its own view.
var decisionWindow = map[model.Status]bool{
	model.StatusInReview: true,
	model.StatusApproved: true,
	model.StatusRejected: true,
}

// CanDecide checks that role may record an approval or rejection decision
// while the application sits at global.
func (p *Policy) CanDecide(global, decision model.Status, role model.Role) error {
	if role == model.RoleAdmin {
		return nil
	}
	if !role.Party() || !decisionWindow[global] {
		return model.NewTransitionDeniedError(global, decision, role)
	}
	return nil
}
