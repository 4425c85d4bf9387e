// Package plan defines execution plans over specialist capabilities and the
// scheduling state that every executor host shares.
//
// A Plan is a DAG of steps. Validate rejects anything that is not a DAG over
// known ids; Stages derives the concurrent execution stages structurally from
// the dependency edges. Progress is the persisted snapshot of one plan's
// execution and decides which steps are ready, which are blocked by a failed
// dependency and whether execution is suspended on a question.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StepID identifies a step within one plan.
type StepID string

// SpecialistID identifies a capability in the registry.
type SpecialistID string

// Strategy is an informational hint from the planner. Staging never relies on it.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyHybrid     Strategy = "hybrid"
)

var (
	ErrEmptyPlan         = errors.New("plan has no steps")
	ErrInvalidStep       = errors.New("invalid step")
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrUnknownStep       = errors.New("unknown step id")
	ErrCyclicPlan        = errors.New("plan contains a dependency cycle")
	ErrUnschedulablePlan = errors.New("unschedulable plan")
)

// Step is one specialist invocation.
type Step struct {
	ID         StepID       `json:"id"`
	Specialist SpecialistID `json:"specialist"`
	DependsOn  []StepID     `json:"depends_on,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Plan is an ordered set of steps. Order is the planner's tie-break within a stage.
type Plan struct {
	Steps     []Step   `json:"steps"`
	Strategy  Strategy `json:"strategy,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Step returns the step with the given id.
func (p Plan) Step(id StepID) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Specialists lists the specialists in plan order, without repeats.
func (p Plan) Specialists() []SpecialistID {
	seen := make(map[SpecialistID]bool, len(p.Steps))
	out := make([]SpecialistID, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !seen[s.Specialist] {
			seen[s.Specialist] = true
			out = append(out, s.Specialist)
		}
	}
	return out
}

// Validate checks that the plan is a non-empty DAG over its own step ids.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}

	ids := make(map[StepID]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidStep, i)
		}
		if s.Specialist == "" {
			return fmt.Errorf("%w: step %q has no specialist", ErrInvalidStep, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on %q", ErrUnknownStep, s.ID, dep)
			}
		}
	}

	_, stuck, err := p.kahn()
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		return fmt.Errorf("%w: involving steps %s", ErrCyclicPlan, joinIDs(stuck))
	}
	return nil
}

// Stages groups steps with Kahn's algorithm. Every step lands in a strictly later
// stage than all of its dependencies; within a stage plan order is kept.
// Steps that can never become ready yield ErrUnschedulablePlan.
func (p Plan) Stages() ([][]Step, error) {
	stages, stuck, err := p.kahn()
	if err != nil {
		return nil, err
	}
	if len(stuck) > 0 {
		return nil, fmt.Errorf("%w: steps %s never become ready", ErrUnschedulablePlan, joinIDs(stuck))
	}
	return stages, nil
}

// kahn returns the stages it could build and the steps left with unmet dependencies.
func (p Plan) kahn() ([][]Step, []StepID, error) {
	index := make(map[StepID]int, len(p.Steps))
	for i, s := range p.Steps {
		index[s.ID] = i
	}

	indegree := make(map[StepID]int, len(p.Steps))
	dependents := make(map[StepID][]StepID, len(p.Steps))
	for _, s := range p.Steps {
		for dep := range dedupe(s.DependsOn) {
			if _, ok := index[dep]; !ok {
				return nil, nil, fmt.Errorf("%w: step %q depends on %q", ErrUnknownStep, s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var current []StepID
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			current = append(current, s.ID)
		}
	}

	var stages [][]Step
	placed := 0
	for len(current) > 0 {
		stage := make([]Step, 0, len(current))
		var next []StepID
		for _, id := range current {
			stage = append(stage, p.Steps[index[id]])
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return index[next[i]] < index[next[j]] })
		stages = append(stages, stage)
		placed += len(stage)
		current = next
	}

	var stuck []StepID
	if placed < len(p.Steps) {
		for _, s := range p.Steps {
			if indegree[s.ID] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
	}
	return stages, stuck, nil
}

func joinIDs(ids []StepID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func dedupe(ids []StepID) map[StepID]struct{} {
	set := make(map[StepID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
