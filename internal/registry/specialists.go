package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
)

// Built-in specialists.
const (
	OrderSpecialist     plan.SpecialistID = "order_specialist"
	TechnicalSpecialist plan.SpecialistID = "technical_specialist"
	RefundSpecialist    plan.SpecialistID = "refund_specialist"
	GeneralSupport      plan.SpecialistID = "general_support"
	EscalationManager   plan.SpecialistID = "escalation_manager"
	MaleSpecialist      plan.SpecialistID = "male_specialist"
	FemaleSpecialist    plan.SpecialistID = "female_specialist"
	Billing             plan.SpecialistID = "billing"
	Delivery            plan.SpecialistID = "delivery"
	Alteration          plan.SpecialistID = "alteration"
)

// Descriptors lists the built-in specialists.
var Descriptors = []Descriptor{
	{ID: OrderSpecialist, Description: "Track existing orders, check shipping status, update delivery addresses, view order history", Needs: []string{"order_id"}},
	{ID: TechnicalSpecialist, Description: "Troubleshoot product malfunctions, provide setup guides, diagnose technical issues", Needs: []string{"product"}},
	{ID: RefundSpecialist, Description: "Process refunds and returns for existing orders, check refund eligibility", Needs: []string{"order_id", "order_status"}},
	{ID: GeneralSupport, Description: "Answer general questions, company policies, account issues, FAQs"},
	{ID: EscalationManager, Description: "Hand complex, sensitive or unresolved issues to a human agent"},
	{ID: MaleSpecialist, Description: "Help customers buy male clothing; collects chest, waist, shoulder, sleeve, neck and inseam measurements and recommends a fit", Needs: []string{"measurements"}},
	{ID: FemaleSpecialist, Description: "Help customers buy female clothing; collects bust, waist, hip, shoulder, sleeve and dress length measurements and recommends a fit", Needs: []string{"measurements"}},
	{ID: Billing, Description: "Calculate prices, apply discount codes, process payments, generate invoices", Needs: []string{"items"}},
	{ID: Delivery, Description: "Schedule shipping, validate addresses, calculate Standard/Express/Overnight delivery dates, provide tracking", Needs: []string{"address", "items"}},
	{ID: Alteration, Description: "Handle hemming, taking in, letting out and sleeve or waist adjustments; check feasibility and cost", Needs: []string{"measurements", "garment"}},
}

// Default registers every built-in specialist backed by r.
func Default(r reasoning.Reasoner) (*Registry, error) {
	reg := New()
	for _, d := range Descriptors {
		if err := reg.Register(d, &Specialist{Descriptor: d, Reasoner: r}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

const specialistPrompt = `You are the %s of an online clothing store's customer support team.
Your responsibility: %s.

You receive the customer's request and the findings of other specialists that already ran.
Use those findings; do not repeat work they already did.

Respond ONLY with a JSON object:
- "outcome": "completed", "failed" or "ask_question"
- "response": your answer for the customer (when completed)
- "details": flat object of string facts other specialists may need, e.g. {"order_id": "123"}
- "confidence": 0.0 to 1.0
- "requires_escalation": true if a human must take over
- "reason": short explanation when failed, e.g. "order not found"
- "question": one clarifying question for the customer when you cannot proceed without it

Ask a question only when information is missing that the customer must provide.`

// Specialist is a reasoning-backed capability.
type Specialist struct {
	Descriptor Descriptor
	Reasoner   reasoning.Reasoner
}

type specialistInput struct {
	Request
	Findings []plan.StepOutput `json:"findings,omitempty"`
}

type specialistOutput struct {
	Outcome            string            `json:"outcome"`
	Response           string            `json:"response"`
	Details            map[string]string `json:"details"`
	Confidence         float64           `json:"confidence"`
	RequiresEscalation bool              `json:"requires_escalation"`
	Reason             string            `json:"reason"`
	Question           string            `json:"question"`
}

// Invoke asks the reasoner to act as this specialist.
func (s *Specialist) Invoke(ctx context.Context, req Request, pc plan.Context) (plan.Outcome, error) {
	input, err := json.MarshalIndent(specialistInput{Request: req, Findings: pc.Outputs()}, "", "  ")
	if err != nil {
		return plan.Outcome{}, fmt.Errorf("encode request: %w", err)
	}

	raw, err := s.Reasoner.Reason(ctx, reasoning.Task{
		Name:   "specialist." + string(s.Descriptor.ID),
		System: fmt.Sprintf(specialistPrompt, strings.ReplaceAll(string(s.Descriptor.ID), "_", " "), s.Descriptor.Description),
		Prompt: string(input),
	})
	if err != nil {
		return plan.Outcome{}, err
	}

	var out specialistOutput
	if err := reasoning.DecodeJSON(raw, &out); err != nil {
		return plan.Outcome{}, err
	}

	switch out.Outcome {
	case "completed", "":
		oc := plan.Completed(out.Response, out.Details)
		oc.Confidence = clampConfidence(out.Confidence)
		oc.RequiresEscalation = out.RequiresEscalation
		return oc, nil
	case "failed":
		reason := out.Reason
		if reason == "" {
			reason = "specialist could not complete the request"
		}
		return plan.Failed(reason), nil
	case "ask_question":
		return plan.AskQuestion(out.Question), nil
	default:
		return plan.Outcome{}, fmt.Errorf("%w: unknown outcome %q", reasoning.ErrMalformedOutput, out.Outcome)
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
