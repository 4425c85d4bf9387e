// Package planner turns a customer message into a validated execution plan.
//
// The reasoning backend proposes a DAG; the planner's job is validation and
// repair. Steps naming unknown specialists are dropped along with the edges that
// pointed at them, ids are normalised, and anything that still fails plan
// validation is rejected. A rejected attempt is retried once before planning
// fails with ErrPlanningFailed.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

const defaultAttempts = 2

var (
	// ErrPlanningFailed is returned when no attempt produced a valid plan.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrNoUsableSteps is returned when repair leaves nothing to run.
	ErrNoUsableSteps = errors.New("no usable steps after repair")
)

// Input is everything the planner sees for one turn.
type Input struct {
	TicketID string            `json:"ticket_id"`
	Message  string            `json:"message"`
	History  []string          `json:"history,omitempty"`
	Profile  map[string]string `json:"profile,omitempty"`
}

// Catalog is the part of the registry the planner needs.
type Catalog interface {
	Describe() []registry.Descriptor
	Has(id plan.SpecialistID) bool
}

// Planner produces plans through a reasoner.
type Planner struct {
	reasoner reasoning.Reasoner
	catalog  Catalog
	observer *tracing.Observer
	attempts int
}

// Option configures a Planner.
type Option func(*Planner)

// WithAttempts sets the total number of attempts, first one included.
func WithAttempts(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithObserver records every attempt as a unit of work.
func WithObserver(o *tracing.Observer) Option {
	return func(p *Planner) { p.observer = o }
}

// New creates a planner.
func New(r reasoning.Reasoner, catalog Catalog, opts ...Option) *Planner {
	p := &Planner{reasoner: r, catalog: catalog, attempts: defaultAttempts}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns a validated plan for in.
func (p *Planner) Plan(ctx context.Context, in Input) (plan.Plan, error) {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		pl, err := tracing.Observe(ctx, p.observer, "planner", tracing.KindPlanner, in,
			func(ctx context.Context) (plan.Plan, error) {
				return p.attempt(ctx, in)
			})
		if err == nil {
			logger.Info(ctx, "plan created",
				zap.Int("attempt", attempt),
				zap.Int("steps", len(pl.Steps)),
				zap.String("strategy", string(pl.Strategy)))
			return pl, nil
		}
		if ctx.Err() != nil {
			return plan.Plan{}, fmt.Errorf("%w: %w", ErrPlanningFailed, ctx.Err())
		}

		lastErr = err
		logger.Warn(ctx, "plan attempt rejected",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return plan.Plan{}, fmt.Errorf("%w after %d attempts: %w", ErrPlanningFailed, p.attempts, lastErr)
}

func (p *Planner) attempt(ctx context.Context, in Input) (plan.Plan, error) {
	prompt, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return plan.Plan{}, fmt.Errorf("encode input: %w", err)
	}

	raw, err := p.reasoner.Reason(ctx, reasoning.Task{
		Name:   "planner",
		System: systemPrompt(p.catalog.Describe()),
		Prompt: string(prompt),
	})
	if err != nil {
		return plan.Plan{}, err
	}

	var proposal proposal
	if err := reasoning.DecodeJSON(raw, &proposal); err != nil {
		return plan.Plan{}, err
	}

	pl, dropped, err := repair(proposal, p.catalog)
	if len(dropped) > 0 {
		logging.FromContext(ctx).Warn(ctx, "dropped steps naming unknown specialists",
			zap.Strings("specialists", dropped))
	}
	if err != nil {
		return plan.Plan{}, err
	}
	if err := pl.Validate(); err != nil {
		return plan.Plan{}, err
	}
	return pl, nil
}

func systemPrompt(descs []registry.Descriptor) string {
	var b strings.Builder
	b.WriteString(`You plan customer support work for an online clothing store.
Decide which specialists must handle the customer's message, in what order, and
which steps depend on the results of others.

AVAILABLE SPECIALISTS:
`)
	for _, d := range descs {
		fmt.Fprintf(&b, "- %s: %s", d.ID, d.Description)
		if len(d.Needs) > 0 {
			fmt.Fprintf(&b, " (needs: %s)", strings.Join(d.Needs, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
RULES:
- Purchases ("buy", "looking for", "need new") go through male_specialist or female_specialist, then billing, then delivery.
- Existing orders ("order #", "tracking", "refund", "broken") go to order_specialist, technical_specialist or refund_specialist.
- A step that needs another step's result must list it in depends_on. Independent steps must not depend on each other.
- Use only the specialists listed above.

Respond ONLY with a JSON object:
{"strategy": "parallel|sequential|hybrid", "reasoning": "...",
 "steps": [{"id": 1, "specialist": "...", "depends_on": [], "reason": "..."}]}`)
	return b.String()
}

// proposal is the reasoning output before repair.
type proposal struct {
	Strategy  string         `json:"strategy"`
	Reasoning string         `json:"reasoning"`
	Steps     []proposedStep `json:"steps"`
}

type proposedStep struct {
	ID         flexID   `json:"id"`
	Specialist string   `json:"specialist"`
	DependsOn  []flexID `json:"depends_on"`
	Reason     string   `json:"reason"`
}

// flexID accepts step ids written as strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(strings.TrimPrefix(strings.TrimSpace(s), "step_"))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("step id must be a string or number: %s", data)
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	if v, err := n.Float64(); err == nil && v == math.Trunc(v) {
		*f = flexID(strconv.FormatInt(int64(v), 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

// repair drops steps naming unknown specialists and the edges that pointed at
// them. It fails when nothing is left, or when every surviving step lost a
// dependency to a drop.
func repair(p proposal, catalog Catalog) (plan.Plan, []string, error) {
	kept := make(map[plan.StepID]bool, len(p.Steps))
	var dropped []string
	for _, s := range p.Steps {
		if catalog.Has(plan.SpecialistID(s.Specialist)) {
			kept[plan.StepID(s.ID)] = true
		} else {
			dropped = append(dropped, s.Specialist)
		}
	}

	out := plan.Plan{Strategy: normalizeStrategy(p.Strategy), Reasoning: p.Reasoning}
	orphaned := 0
	for _, s := range p.Steps {
		if !kept[plan.StepID(s.ID)] || !catalog.Has(plan.SpecialistID(s.Specialist)) {
			continue
		}
		step := plan.Step{
			ID:         plan.StepID(s.ID),
			Specialist: plan.SpecialistID(s.Specialist),
			Reason:     s.Reason,
		}
		lostDep := false
		for _, d := range s.DependsOn {
			id := plan.StepID(d)
			if isDroppedID(id, p.Steps, kept) {
				lostDep = true
				continue
			}
			step.DependsOn = append(step.DependsOn, id)
		}
		if lostDep {
			orphaned++
		}
		out.Steps = append(out.Steps, step)
	}

	if len(out.Steps) == 0 {
		return plan.Plan{}, dropped, ErrNoUsableSteps
	}
	if len(dropped) > 0 && orphaned == len(out.Steps) {
		return plan.Plan{}, dropped, fmt.Errorf("%w: every remaining step depended on a dropped step", ErrNoUsableSteps)
	}
	return out, dropped, nil
}

// isDroppedID reports whether id belonged to a step that repair removed.
// Ids that never existed are left for plan validation to reject.
func isDroppedID(id plan.StepID, steps []proposedStep, kept map[plan.StepID]bool) bool {
	if kept[id] {
		return false
	}
	for _, s := range steps {
		if plan.StepID(s.ID) == id {
			return true
		}
	}
	return false
}

func normalizeStrategy(s string) plan.Strategy {
	switch plan.Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case plan.StrategySequential:
		return plan.StrategySequential
	case plan.StrategyHybrid:
		return plan.StrategyHybrid
	default:
		return plan.StrategyParallel
	}
}
