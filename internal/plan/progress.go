package plan

import (
	"errors"
	"fmt"
)

var (
	ErrNotAwaitingAnswer = errors.New("step is not awaiting an answer")
	ErrOutputRecorded    = errors.New("step output already recorded")
	ErrStageMismatch     = errors.New("stage does not match progress")
)

// Progress is the persisted snapshot of one plan's execution. It is plain data so
// it survives a JSON round trip through the event log or a workflow history.
type Progress struct {
	Plan    Plan                  `json:"plan"`
	Outputs map[StepID]StepOutput `json:"outputs"`
	Context Context               `json:"context"`
	// Stage is the index of the next stage to run, or of the suspended stage.
	Stage   int                 `json:"stage"`
	Answers map[StepID][]Answer `json:"answers,omitempty"`
}

// NewProgress validates p and returns an empty snapshot for it.
func NewProgress(p Plan) (*Progress, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Progress{
		Plan:    p,
		Outputs: make(map[StepID]StepOutput, len(p.Steps)),
		Context: make(Context),
		Answers: make(map[StepID][]Answer),
	}, nil
}

// Clone returns a deep copy.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	out := &Progress{
		Plan:    clonePlan(p.Plan),
		Outputs: make(map[StepID]StepOutput, len(p.Outputs)),
		Context: p.Context.Clone(),
		Stage:   p.Stage,
		Answers: make(map[StepID][]Answer, len(p.Answers)),
	}
	for id, o := range p.Outputs {
		o.Details = copyDetails(o.Details)
		out.Outputs[id] = o
	}
	for id, a := range p.Answers {
		out.Answers[id] = append([]Answer(nil), a...)
	}
	return out
}

// Blocked returns Failed(upstream_failure) outputs for every step that has not run
// and transitively depends on a failed step. The progress is not modified.
func (p *Progress) Blocked() []StepOutput {
	scratch := make(map[StepID]StepOutput, len(p.Outputs))
	for id, o := range p.Outputs {
		scratch[id] = o
	}

	var blocked []StepOutput
	for changed := true; changed; {
		changed = false
		for _, s := range p.Plan.Steps {
			if _, done := scratch[s.ID]; done {
				continue
			}
			failedDep, stage, ok := failedDependency(s, scratch)
			if !ok {
				continue
			}
			o := Failure(s, stage, ReasonUpstreamFailure, fmt.Sprintf("depends on failed step %q", failedDep))
			scratch[s.ID] = o
			blocked = append(blocked, o)
			changed = true
		}
	}
	return blocked
}

// failedDependency reports the first failed dependency of s and the stage a blocked
// s is recorded in: one past the latest of its resolved dependencies.
func failedDependency(s Step, outputs map[StepID]StepOutput) (StepID, int, bool) {
	var (
		failed StepID
		stage  int
	)
	for _, dep := range s.DependsOn {
		o, ok := outputs[dep]
		if !ok {
			continue
		}
		if o.Stage+1 > stage {
			stage = o.Stage + 1
		}
		if o.Status == StatusFailed && failed == "" {
			failed = dep
		}
	}
	return failed, stage, failed != ""
}

// Ready returns, in plan order, the steps that have not run and whose dependencies
// all completed in an earlier stage.
func (p *Progress) Ready() []Step {
	if p.Suspended() {
		return nil
	}
	var ready []Step
	for _, s := range p.Plan.Steps {
		if _, done := p.Outputs[s.ID]; done {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			o, found := p.Outputs[dep]
			if !found || o.Status != StatusCompleted || o.Stage >= p.Stage {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Record stores the outputs resolved while running stage and returns what was
// actually recorded. Outputs are applied all or nothing. When more than one step
// asks a question only the first in plan order is kept; the others stay unrun and
// become ready again once the answer arrives. The stage counter advances unless
// the plan is now suspended.
func (p *Progress) Record(stage int, outputs []StepOutput) ([]StepOutput, error) {
	if stage != p.Stage {
		return nil, fmt.Errorf("%w: got %d, progress at %d", ErrStageMismatch, stage, p.Stage)
	}

	order := make(map[StepID]int, len(p.Plan.Steps))
	for i, s := range p.Plan.Steps {
		order[s.ID] = i
	}

	seen := make(map[StepID]bool, len(outputs))
	asker := StepID("")
	for _, o := range outputs {
		i, ok := order[o.StepID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, o.StepID)
		}
		if _, done := p.Outputs[o.StepID]; done || seen[o.StepID] {
			return nil, fmt.Errorf("%w: %q", ErrOutputRecorded, o.StepID)
		}
		seen[o.StepID] = true
		if o.Status == StatusAwaitingAnswer && (asker == "" || i < order[asker]) {
			asker = o.StepID
		}
	}

	recorded := make([]StepOutput, 0, len(outputs))
	ran := false
	for _, o := range outputs {
		if o.Status == StatusAwaitingAnswer && o.StepID != asker {
			continue
		}
		o.Details = copyDetails(o.Details)
		p.Outputs[o.StepID] = o
		if o.Status == StatusCompleted {
			p.Context[o.Specialist] = o
		}
		if o.Stage == stage {
			ran = true
		}
		recorded = append(recorded, o)
	}

	if ran && asker == "" {
		p.Stage++
	}
	return recorded, nil
}

// Answer resolves the pending question on step. The step loses its AwaitingAnswer
// output and becomes ready again with the answer attached to its request.
func (p *Progress) Answer(step StepID, text string) error {
	pending, ok := p.Pending()
	if !ok || pending.StepID != step {
		return fmt.Errorf("%w: %q", ErrNotAwaitingAnswer, step)
	}
	delete(p.Outputs, step)
	if p.Answers == nil {
		p.Answers = make(map[StepID][]Answer)
	}
	p.Answers[step] = append(p.Answers[step], Answer{Question: pending.Question, Text: text})
	return nil
}

// Pending returns the output of the step waiting for an answer.
func (p *Progress) Pending() (StepOutput, bool) {
	for _, s := range p.Plan.Steps {
		if o, ok := p.Outputs[s.ID]; ok && o.Status == StatusAwaitingAnswer {
			return o, true
		}
	}
	return StepOutput{}, false
}

// Suspended reports whether a question is outstanding.
func (p *Progress) Suspended() bool {
	_, ok := p.Pending()
	return ok
}

// Done reports whether every step is Completed or Failed.
func (p *Progress) Done() bool {
	for _, s := range p.Plan.Steps {
		o, ok := p.Outputs[s.ID]
		if !ok || !o.Terminal() {
			return false
		}
	}
	return true
}

// Results returns the recorded outputs in plan order.
func (p *Progress) Results() []StepOutput {
	out := make([]StepOutput, 0, len(p.Outputs))
	for _, s := range p.Plan.Steps {
		if o, ok := p.Outputs[s.ID]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the failed outputs in plan order.
func (p *Progress) Failures() []StepOutput {
	var out []StepOutput
	for _, o := range p.Results() {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

func clonePlan(p Plan) Plan {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.DependsOn = append([]StepID(nil), s.DependsOn...)
		steps[i] = s
	}
	p.Steps = steps
	return p
}
