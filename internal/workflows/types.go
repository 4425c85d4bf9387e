// Package workflows hosts ticket conversations on Temporal.
//
// Each ticket is one long-running TicketWorkflow with the id "ticket-<id>". The
// workflow owns the ticket's conversation.State and changes it only through the
// same reducer the in-process manager uses, so both hosts produce identical
// event sequences. Planning, every plan step and synthesis run as activities;
// the steps of a stage run as concurrent activities.
package workflows

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
)

// Signal, query and workflow names.
const (
	SignalMessage    = "message-received"
	SignalAnswer     = "answer-received"
	SignalClose      = "close-ticket"
	SignalCancelStep = "cancel-step"
	QueryState       = "state"

	TicketWorkflowName = "TicketWorkflow"

	workflowIDPrefix = "ticket-"
)

// Defaults for TicketOptions.
const (
	DefaultContinueAsNewAfter = 500
	DefaultTaskQueue          = "concierge-tickets"
)

// WorkflowID returns the workflow id of a ticket.
func WorkflowID(ticketID string) string {
	return workflowIDPrefix + ticketID
}

// TicketIDFromWorkflow is the inverse of WorkflowID.
func TicketIDFromWorkflow(workflowID string) (string, bool) {
	return strings.CutPrefix(workflowID, workflowIDPrefix)
}

// TicketOptions tunes a ticket workflow. Zero values take the defaults of the
// executor and the conversation manager.
type TicketOptions struct {
	StepTimeout     time.Duration `json:"step_timeout,omitempty"`
	MaxParallel     int           `json:"max_parallel,omitempty"`
	QuestionTimeout time.Duration `json:"question_timeout,omitempty"`
	InboxLimit      int           `json:"inbox_limit,omitempty"`
	// ContinueAsNewAfter is the number of events after which an idle or
	// suspended run continues as new with its snapshot.
	ContinueAsNewAfter int `json:"continue_as_new_after,omitempty"`
}

// TicketInput starts or continues a ticket workflow.
type TicketInput struct {
	TicketID string        `json:"ticket_id"`
	Options  TicketOptions `json:"options"`
	// State is the snapshot handed over by continue-as-new; nil on first start.
	State *conversation.State `json:"state,omitempty"`
}

// AnswerSignal answers the pending question of a step.
type AnswerSignal struct {
	StepID plan.StepID `json:"step_id"`
	Text   string      `json:"text"`
}

// CloseSignal closes a ticket.
type CloseSignal struct {
	Status conversation.Status `json:"status,omitempty"`
	Notice string              `json:"notice,omitempty"`
}

// Activity inputs and results.

// PlanInput asks the planner for a turn's plan.
type PlanInput struct {
	ThreadID string        `json:"thread_id"`
	Input    planner.Input `json:"input"`
}

// StepInput runs one plan step.
type StepInput struct {
	ThreadID string           `json:"thread_id"`
	Request  registry.Request `json:"request"`
	Step     plan.Step        `json:"step"`
	Stage    int              `json:"stage"`
	Context  plan.Context     `json:"context"`
}

// SynthesizeInput asks for the reply of a turn.
type SynthesizeInput struct {
	ThreadID string      `json:"thread_id"`
	Input    synth.Input `json:"input"`
}

// AutoCloseInput configures one inactivity sweep.
type AutoCloseInput struct {
	InactivityWindow time.Duration `json:"inactivity_window"`
	Notice           string        `json:"notice,omitempty"`
}

// AutoCloseResult lists the tickets a sweep closed.
type AutoCloseResult struct {
	Checked int      `json:"checked"`
	Closed  []string `json:"closed,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}
