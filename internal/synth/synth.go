// Package synth merges the outputs of a plan into one customer reply.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

// ApologyReply is sent when a turn cannot produce a real answer.
const ApologyReply = "I'm sorry, something went wrong while handling your request. A member of our support team will follow up with you shortly."

// ErrSynthesisFailed is returned when no reply could be produced. It is terminal
// for the turn only.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Input is what the synthesizer combines.
type Input struct {
	Message string   `json:"message"`
	History []string `json:"history,omitempty"`
	// Results are every recorded step output in plan order, failures included.
	Results []plan.StepOutput `json:"results"`
}

// Reply is the final answer for a turn.
type Reply struct {
	Text               string   `json:"text"`
	Confidence         float64  `json:"confidence"`
	RequiresEscalation bool     `json:"requires_escalation"`
	RequiresFollowup   bool     `json:"requires_followup"`
	Notices            []string `json:"notices,omitempty"`
}

// Apology returns the generic reply used when planning or synthesis fails.
func Apology() *Reply {
	return &Reply{Text: ApologyReply, RequiresFollowup: true}
}

// Synthesizer produces replies through a reasoner. It makes a single attempt.
type Synthesizer struct {
	reasoner reasoning.Reasoner
	observer *tracing.Observer
}

// New creates a synthesizer. observer may be nil.
func New(r reasoning.Reasoner, observer *tracing.Observer) *Synthesizer {
	return &Synthesizer{reasoner: r, observer: observer}
}

const systemPrompt = `You are the customer support lead of an online clothing store.
Several specialists worked on the customer's message. Combine their findings into
ONE reply addressed to the customer.

- Speak with one voice; never mention internal specialists, steps or agents.
- Include every completed finding that matters to the customer.
- For failed work, say plainly what could not be done. Never invent results.
- If anything cannot be resolved without a human, set requires_escalation.

Respond ONLY with a JSON object:
{"response": "...", "confidence": 0.0-1.0, "requires_escalation": false, "requires_followup": false}`

type synthesisOutput struct {
	Response           string  `json:"response"`
	Confidence         float64 `json:"confidence"`
	RequiresEscalation bool    `json:"requires_escalation"`
	RequiresFollowup   bool    `json:"requires_followup"`
}

// Synthesize builds the reply for in.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*Reply, error) {
	return tracing.Observe(ctx, s.observer, "synthesizer", tracing.KindSynthesizer, in,
		func(ctx context.Context) (*Reply, error) {
			return s.synthesize(ctx, in)
		})
}

func (s *Synthesizer) synthesize(ctx context.Context, in Input) (*Reply, error) {
	prompt, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode input: %w", ErrSynthesisFailed, err)
	}

	raw, err := s.reasoner.Reason(ctx, reasoning.Task{
		Name:   "synthesizer",
		System: systemPrompt,
		Prompt: string(prompt),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	var out synthesisOutput
	if err := reasoning.DecodeJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrSynthesisFailed)
	}

	reply := &Reply{
		Text:               strings.TrimSpace(out.Response),
		Confidence:         out.Confidence,
		RequiresEscalation: out.RequiresEscalation,
		RequiresFollowup:   out.RequiresFollowup,
	}
	for _, r := range in.Results {
		if r.Status == plan.StatusCompleted && r.RequiresEscalation {
			reply.RequiresEscalation = true
		}
	}

	for _, n := range Notices(in.Results) {
		reply.Notices = append(reply.Notices, n.Text)
		if !mentions(reply.Text, n.Mention) {
			reply.Text += "\n\n" + n.Text
		}
	}
	if len(reply.Notices) > 0 {
		reply.RequiresFollowup = true
	}
	return reply, nil
}

// Notice is a user-safe summary of one failed step.
type Notice struct {
	StepID plan.StepID
	Text   string
	// Mention is the phrase whose presence in a reply counts as covering the notice.
	Mention string
}

// Notices summarises every failed step in results, in order.
func Notices(results []plan.StepOutput) []Notice {
	var out []Notice
	for _, r := range results {
		if r.Status != plan.StatusFailed {
			continue
		}
		topic := Topic(r.Specialist)
		n := Notice{StepID: r.StepID}
		switch r.Reason {
		case plan.ReasonUpstreamFailure:
			n.Text = fmt.Sprintf("We could not continue with your %s because an earlier check did not succeed.", topic)
		case plan.ReasonCancelled:
			n.Text = fmt.Sprintf("Your %s took too long to process and was stopped; please try again.", topic)
		case plan.ReasonUnknownSpecialist:
			n.Text = fmt.Sprintf("Help with your %s is not available right now.", topic)
		default:
			n.Text = fmt.Sprintf("We could not complete your %s: %s.", topic, strings.TrimSuffix(r.Detail, "."))
			if r.Detail != "" {
				n.Mention = r.Detail
			}
		}
		if n.Mention == "" {
			n.Mention = n.Text
		}
		out = append(out, n)
	}
	return out
}

// Topic names what a specialist handles in customer terms.
func Topic(id plan.SpecialistID) string {
	switch id {
	case "order_specialist":
		return "order request"
	case "technical_specialist":
		return "technical issue"
	case "refund_specialist":
		return "refund request"
	case "escalation_manager":
		return "escalation"
	case "male_specialist", "female_specialist":
		return "clothing selection"
	case "billing":
		return "billing request"
	case "delivery":
		return "delivery request"
	case "alteration":
		return "alteration request"
	default:
		return "request"
	}
}

func mentions(text, phrase string) bool {
	return phrase != "" && strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}
