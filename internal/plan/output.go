package plan

import "sort"

// Status is the lifecycle of one step's output.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusAwaitingAnswer Status = "awaiting_answer"
)

// FailureReason classifies a failed step for the core. Domain reasons live in Detail.
type FailureReason string

const (
	ReasonStepFailed        FailureReason = "step_failed"
	ReasonUpstreamFailure   FailureReason = "upstream_failure"
	ReasonCancelled         FailureReason = "cancelled"
	ReasonUnknownSpecialist FailureReason = "unknown_specialist"
)

// StepOutput is the recorded result of one step. Completed and Failed outputs are
// never modified once recorded; AwaitingAnswer is replaced when the answer arrives.
type StepOutput struct {
	StepID             StepID            `json:"step_id"`
	Specialist         SpecialistID      `json:"specialist"`
	Status             Status            `json:"status"`
	Stage              int               `json:"stage"`
	Response           string            `json:"response,omitempty"`
	Details            map[string]string `json:"details,omitempty"`
	Confidence         float64           `json:"confidence,omitempty"`
	RequiresEscalation bool              `json:"requires_escalation,omitempty"`
	Reason             FailureReason     `json:"reason,omitempty"`
	Detail             string            `json:"detail,omitempty"`
	Question           string            `json:"question,omitempty"`
}

// Terminal reports whether the output is Completed or Failed.
func (o StepOutput) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Failure builds a Failed output for step.
func Failure(step Step, stage int, reason FailureReason, detail string) StepOutput {
	return StepOutput{
		StepID:     step.ID,
		Specialist: step.Specialist,
		Status:     StatusFailed,
		Stage:      stage,
		Reason:     reason,
		Detail:     detail,
	}
}

// OutcomeKind discriminates Outcome.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeQuestion  OutcomeKind = "ask_question"
)

// Outcome is what a capability returns: Completed, Failed or AskQuestion.
type Outcome struct {
	Kind               OutcomeKind       `json:"kind"`
	Response           string            `json:"response,omitempty"`
	Details            map[string]string `json:"details,omitempty"`
	Confidence         float64           `json:"confidence,omitempty"`
	RequiresEscalation bool              `json:"requires_escalation,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Question           string            `json:"question,omitempty"`
}

// Completed returns a successful outcome.
func Completed(response string, details map[string]string) Outcome {
	return Outcome{Kind: OutcomeCompleted, Response: response, Details: details}
}

// Failed returns a failed outcome with a domain reason such as "order not found".
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// AskQuestion returns an outcome that suspends the plan until the user answers.
func AskQuestion(text string) Outcome {
	return Outcome{Kind: OutcomeQuestion, Question: text}
}

// Output converts the outcome into the recorded output for step.
// Malformed outcomes become step failures.
func (o Outcome) Output(step Step, stage int) StepOutput {
	switch o.Kind {
	case OutcomeCompleted:
		return StepOutput{
			StepID:             step.ID,
			Specialist:         step.Specialist,
			Status:             StatusCompleted,
			Stage:              stage,
			Response:           o.Response,
			Details:            copyDetails(o.Details),
			Confidence:         o.Confidence,
			RequiresEscalation: o.RequiresEscalation,
		}
	case OutcomeFailed:
		return Failure(step, stage, ReasonStepFailed, o.Reason)
	case OutcomeQuestion:
		if o.Question == "" {
			return Failure(step, stage, ReasonStepFailed, "specialist asked an empty question")
		}
		return StepOutput{
			StepID:     step.ID,
			Specialist: step.Specialist,
			Status:     StatusAwaitingAnswer,
			Stage:      stage,
			Question:   o.Question,
		}
	default:
		return Failure(step, stage, ReasonStepFailed, "specialist returned an unknown outcome")
	}
}

// Answer is a clarification the user gave to a step's question.
type Answer struct {
	Question string `json:"question"`
	Text     string `json:"text"`
}

// Context holds the completed output of each specialist, one slot per specialist.
// A later write for the same specialist replaces the earlier one.
type Context map[SpecialistID]StepOutput

// Clone returns an independent copy safe to hand to a capability.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		v.Details = copyDetails(v.Details)
		out[k] = v
	}
	return out
}

// Outputs returns the context entries ordered by stage, then step id.
func (c Context) Outputs() []StepOutput {
	out := make([]StepOutput, 0, len(c))
	for _, v := range c {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

func copyDetails(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
