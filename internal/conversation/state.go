// Package conversation owns the durable state of one support ticket.
//
// State is event sourced. Every change is an Event applied by Apply, which is
// pure and atomic: it works on a copy and either returns the next state or an
// error, leaving its receiver untouched. Replaying a ticket's events from empty
// state reproduces the live state exactly, so nothing outside the log is needed
// to recover a conversation.
//
// The Manager drives turns in process: planning, staged execution and
// synthesis, one serialized owner per ticket. The Temporal host in package
// workflows applies the same events from inside a workflow.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/concierge/internal/plan"
)

// Errors returned by Apply and the Manager.
var (
	ErrNoPendingQuestion  = errors.New("no pending question")
	ErrConversationClosed = errors.New("conversation closed")
	ErrInboxFull          = errors.New("inbox full")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrOutOfOrder         = errors.New("event out of order")
	ErrNotFound           = errors.New("conversation not found")
)

// Phase is where a ticket is in its current turn.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhasePlanning       Phase = "planning"
	PhaseExecuting      Phase = "executing"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseSynthesizing   Phase = "synthesizing"
)

// Status is the customer-facing ticket status.
type Status string

const (
	StatusOpen               Status = "open"
	StatusWaitingForCustomer Status = "waiting_for_customer"
	StatusInProgress         Status = "in_progress"
	StatusEscalated          Status = "escalated_to_human"
	StatusResolved           Status = "resolved"
	StatusClosed             Status = "closed"
)

// Terminal reports whether the ticket accepts no more signals.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusResolved
}

// TurnKind says who produced a history entry.
type TurnKind string

const (
	TurnCustomer TurnKind = "customer"
	TurnAgent    TurnKind = "ai_agent"
	TurnSystem   TurnKind = "system"
	TurnQuestion TurnKind = "question"
	TurnAnswer   TurnKind = "answer"
)

// Turn is one entry of the ticket history.
type Turn struct {
	Kind       TurnKind          `json:"kind"`
	Text       string            `json:"text"`
	Specialist plan.SpecialistID `json:"specialist,omitempty"`
	StepID     plan.StepID       `json:"step_id,omitempty"`
	// Seq is the event that produced the turn.
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
}

// PendingQuestion is the question a suspended plan waits on.
type PendingQuestion struct {
	StepID     plan.StepID       `json:"step_id"`
	Specialist plan.SpecialistID `json:"specialist"`
	Question   string            `json:"question"`
	AskedAt    time.Time         `json:"asked_at"`
}

// State is the durable state of one ticket.
type State struct {
	TicketID   string            `json:"ticket_id"`
	ThreadID   string            `json:"thread_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`
	Status     Status            `json:"status"`
	Phase      Phase             `json:"phase"`
	History    []Turn            `json:"history"`
	// Current is the customer message the active turn answers and TurnSeq the
	// event that started that turn.
	Current   string           `json:"current,omitempty"`
	TurnSeq   int              `json:"turn_seq,omitempty"`
	Active    *plan.Progress   `json:"active,omitempty"`
	Pending   *PendingQuestion `json:"pending,omitempty"`
	Inbox     []string         `json:"inbox,omitempty"`
	Escalated bool             `json:"escalated,omitempty"`
	// Version is the sequence number of the last applied event.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var threadNamespace = uuid.MustParse("5b0f3a57-8d0e-4c55-9a4e-2f6c1e7d9a10")

// ThreadID returns the correlation thread of a ticket. It is derived from the
// ticket id so every host computes the same value without coordination.
func ThreadID(ticketID string) string {
	return uuid.NewSHA1(threadNamespace, []byte(ticketID)).String()
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Profile != nil {
		out.Profile = make(map[string]string, len(s.Profile))
		for k, v := range s.Profile {
			out.Profile[k] = v
		}
	}
	out.History = append([]Turn(nil), s.History...)
	out.Inbox = append([]string(nil), s.Inbox...)
	out.Active = s.Active.Clone()
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return &out
}

// Transcript renders the history as prompt lines, oldest first.
func (s *State) Transcript() []string {
	return s.transcript(func(Turn) bool { return true })
}

func (s *State) transcript(keep func(Turn) bool) []string {
	lines := make([]string, 0, len(s.History))
	for _, t := range s.History {
		if !keep(t) {
			continue
		}
		prefix := "[" + string(t.Kind) + "]"
		if t.Specialist != "" {
			prefix += "[" + string(t.Specialist) + "]"
		}
		lines = append(lines, prefix+" "+t.Text)
	}
	return lines
}

// Background renders the history that preceded the active turn, the turn's
// own message included. It is stable for the whole turn.
func (s *State) Background() []string {
	if s.TurnSeq == 0 {
		return s.Transcript()
	}
	return s.transcript(func(t Turn) bool { return t.Seq < s.TurnSeq })
}

// LastReply returns the most recent agent reply that closed a turn.
func (s *State) LastReply() (Turn, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		t := s.History[i]
		if t.Kind == TurnAgent && t.Specialist == "" {
			return t, true
		}
	}
	return Turn{}, false
}

// Busy reports whether a turn is in flight or suspended.
func (s *State) Busy() bool {
	return s.Phase != PhaseIdle
}
