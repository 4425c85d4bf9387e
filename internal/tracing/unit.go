// Package tracing reports units of work and turn evaluations to the external
// observability sink.
//
// Every planner call, specialist step and synthesis is a Unit. Observe wraps one,
// opens an OpenTelemetry span and reads the conversation thread implicitly from
// the context binding established by package correlation. Evaluations are
// submitted after a reply has been delivered through an asynchronous Evaluator,
// so the user-visible path never waits on the sink.
package tracing

import (
	"encoding/json"
	"time"
)

// Kind classifies a unit of work.
type Kind string

const (
	KindPlanner     Kind = "planner"
	KindSpecialist  Kind = "specialist"
	KindSynthesizer Kind = "synthesizer"
	KindEvaluation  Kind = "evaluation"
)

// Unit is one observed unit of work.
type Unit struct {
	ThreadID string          `json:"thread_id"`
	StepID   string          `json:"step_id,omitempty"`
	Name     string          `json:"name"`
	Kind     Kind            `json:"kind"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	At       time.Time       `json:"at"`
}

// Evaluation is the per-turn submission for shadow evaluation.
type Evaluation struct {
	ThreadID         string    `json:"thread_id"`
	TicketID         string    `json:"ticket_id"`
	Input            string    `json:"input"`
	Output           string    `json:"output"`
	RetrievedContext []string  `json:"retrieved_context,omitempty"`
	At               time.Time `json:"at"`
}

func encode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return data
}
