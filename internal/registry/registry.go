// Package registry maps specialist identifiers to the capabilities that serve them.
//
// The registry is a static table built at startup: every plan step names a
// specialist, and the executor resolves it here before invoking it. Lookups are
// safe for concurrent use; registration normally happens once in main.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/concierge/internal/plan"
)

// Errors for registry operations.
var (
	ErrUnknownSpecialist = errors.New("unknown specialist")
	ErrInvalidName       = errors.New("invalid specialist id: must be lower snake_case")
	ErrAlreadyRegistered = errors.New("specialist already registered")
)

// namePattern validates specialist ids.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Request is what a specialist receives for one step.
type Request struct {
	TicketID   string            `json:"ticket_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`
	Message    string            `json:"message"`
	History    []string          `json:"history,omitempty"`
	// Answers holds clarifications the customer gave to this step's questions.
	Answers []plan.Answer `json:"answers,omitempty"`
	StepID  plan.StepID   `json:"step_id,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// ForStep returns a copy of r addressed to step with its recorded answers.
func (r Request) ForStep(step plan.Step, answers []plan.Answer) Request {
	r.StepID = step.ID
	r.Reason = step.Reason
	r.Answers = append([]plan.Answer(nil), answers...)
	return r
}

// Capability is one specialist. A returned error is treated as a failed step.
type Capability interface {
	Invoke(ctx context.Context, req Request, pc plan.Context) (plan.Outcome, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request, pc plan.Context) (plan.Outcome, error)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, req Request, pc plan.Context) (plan.Outcome, error) {
	return f(ctx, req, pc)
}

// Descriptor documents a specialist for the planner.
type Descriptor struct {
	ID          plan.SpecialistID `json:"id"`
	Description string            `json:"description"`
	// Needs lists inputs the specialist expects from earlier steps or the customer.
	Needs []string `json:"needs,omitempty"`
}

type entry struct {
	desc Descriptor
	cap  Capability
}

// Registry maps specialist ids to capabilities.
type Registry struct {
	mu      sync.RWMutex
	entries map[plan.SpecialistID]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[plan.SpecialistID]entry)}
}

// ValidateName checks that id is usable as a specialist id.
func ValidateName(id plan.SpecialistID) error {
	if !namePattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	return nil
}

// Register adds a capability. Ids are unique.
func (r *Registry) Register(desc Descriptor, c Capability) error {
	if err := ValidateName(desc.ID); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("specialist %q: nil capability", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, desc.ID)
	}
	r.entries[desc.ID] = entry{desc: desc, cap: c}
	return nil
}

// Resolve returns the capability registered for id.
func (r *Registry) Resolve(id plan.SpecialistID) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpecialist, id)
	}
	return e.cap, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id plan.SpecialistID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Describe lists all descriptors ordered by id.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
