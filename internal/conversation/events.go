package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/synth"
)

// EventType names a state transition.
type EventType string

const (
	EventTicketOpened    EventType = "ticket_opened"
	EventMessageReceived EventType = "message_received"
	EventAnswerReceived  EventType = "answer_received"
	EventTurnStarted     EventType = "turn_started"
	EventPlanCreated     EventType = "plan_created"
	EventPlanningFailed  EventType = "planning_failed"
	EventStageCompleted  EventType = "stage_completed"
	EventQuestionAsked   EventType = "question_asked"
	EventReplyProduced   EventType = "reply_produced"
	EventSynthesisFailed EventType = "synthesis_failed"
	EventTicketClosed    EventType = "ticket_closed"
)

// InactivityNotice is the closing message of the inactivity sweep.
const InactivityNotice = "This ticket is now closed due to inactivity"

// Opened is the payload of ticket_opened.
type Opened struct {
	ThreadID   string            `json:"thread_id,omitempty"`
	CustomerID string            `json:"customer_id,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`
}

// Event is one recorded transition. Only the payload fields of its type are set.
type Event struct {
	ID       string    `json:"id"`
	TicketID string    `json:"ticket_id"`
	Seq      int       `json:"seq"`
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`

	Opened *Opened               `json:"opened,omitempty"`
	Text   string                `json:"text,omitempty"`
	StepID plan.StepID           `json:"step_id,omitempty"`
	Plan   *plan.Plan            `json:"plan,omitempty"`
	Stage  *executor.StageReport `json:"stage,omitempty"`
	Reply  *synth.Reply          `json:"reply,omitempty"`
	Status Status                `json:"status,omitempty"`
}

// Stamp returns ev numbered as the event following s.
func (s *State) Stamp(ticketID string, ev Event, at time.Time) Event {
	version := 0
	if s != nil {
		version = s.Version
	}
	ev.TicketID = ticketID
	ev.Seq = version + 1
	ev.ID = fmt.Sprintf("%s/%d", ticketID, ev.Seq)
	ev.At = at.UTC()
	return ev
}

// Apply returns the state that results from ev. s is never modified; on error
// the transition did not happen. A nil s only accepts ticket_opened.
func (s *State) Apply(ev Event) (*State, error) {
	if s == nil {
		return open(ev)
	}
	if ev.TicketID != s.TicketID {
		return nil, fmt.Errorf("%w: event for ticket %q applied to %q", ErrInvalidTransition, ev.TicketID, s.TicketID)
	}
	if ev.Seq != s.Version+1 {
		return nil, fmt.Errorf("%w: got seq %d, want %d", ErrOutOfOrder, ev.Seq, s.Version+1)
	}
	if s.Status.Terminal() && ev.Type != EventTicketClosed {
		return nil, ErrConversationClosed
	}

	next := s.Clone()
	var err error
	switch ev.Type {
	case EventMessageReceived:
		err = next.messageReceived(ev)
	case EventAnswerReceived:
		err = next.answerReceived(ev)
	case EventTurnStarted:
		err = next.turnStarted(ev)
	case EventPlanCreated:
		err = next.planCreated(ev)
	case EventPlanningFailed:
		err = next.turnFailed(ev, PhasePlanning, "planning failed")
	case EventStageCompleted:
		err = next.stageCompleted(ev)
	case EventQuestionAsked:
		err = next.questionAsked(ev)
	case EventReplyProduced:
		err = next.replyProduced(ev)
	case EventSynthesisFailed:
		err = next.turnFailed(ev, PhaseSynthesizing, "synthesis failed")
	case EventTicketClosed:
		err = next.ticketClosed(ev)
	case EventTicketOpened:
		err = fmt.Errorf("%w: ticket %q already open", ErrInvalidTransition, s.TicketID)
	default:
		err = fmt.Errorf("%w: unknown event type %q", ErrInvalidTransition, ev.Type)
	}
	if err != nil {
		return nil, err
	}

	next.Version = ev.Seq
	next.UpdatedAt = ev.At
	return next, nil
}

func open(ev Event) (*State, error) {
	if ev.Type != EventTicketOpened {
		return nil, fmt.Errorf("%w: %s before ticket_opened", ErrNotFound, ev.Type)
	}
	if ev.TicketID == "" {
		return nil, fmt.Errorf("%w: ticket_opened without ticket id", ErrInvalidTransition)
	}
	if ev.Seq != 1 {
		return nil, fmt.Errorf("%w: ticket_opened must be seq 1, got %d", ErrOutOfOrder, ev.Seq)
	}

	s := &State{
		TicketID:  ev.TicketID,
		ThreadID:  ThreadID(ev.TicketID),
		Status:    StatusOpen,
		Phase:     PhaseIdle,
		History:   []Turn{},
		Version:   ev.Seq,
		CreatedAt: ev.At,
		UpdatedAt: ev.At,
	}
	if o := ev.Opened; o != nil {
		if o.ThreadID != "" {
			s.ThreadID = o.ThreadID
		}
		s.CustomerID = o.CustomerID
		if len(o.Profile) > 0 {
			s.Profile = make(map[string]string, len(o.Profile))
			for k, v := range o.Profile {
				s.Profile[k] = v
			}
		}
	}
	return s, nil
}

func (s *State) messageReceived(ev Event) error {
	if strings.TrimSpace(ev.Text) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidTransition)
	}
	s.addTurn(ev, Turn{Kind: TurnCustomer, Text: ev.Text})
	s.Inbox = append(s.Inbox, ev.Text)
	return nil
}

func (s *State) answerReceived(ev Event) error {
	if s.Phase != PhaseAwaitingAnswer || s.Pending == nil {
		return fmt.Errorf("%w: ticket is %s", ErrNoPendingQuestion, s.Phase)
	}
	if s.Pending.StepID != ev.StepID {
		return fmt.Errorf("%w: waiting on step %q, not %q", ErrNoPendingQuestion, s.Pending.StepID, ev.StepID)
	}
	if strings.TrimSpace(ev.Text) == "" {
		return fmt.Errorf("%w: empty answer", ErrInvalidTransition)
	}
	if err := s.Active.Answer(ev.StepID, ev.Text); err != nil {
		return fmt.Errorf("%w: %w", ErrNoPendingQuestion, err)
	}

	s.addTurn(ev, Turn{Kind: TurnAnswer, Text: ev.Text, Specialist: s.Pending.Specialist, StepID: ev.StepID})
	s.Pending = nil
	s.Phase = PhaseExecuting
	s.Status = s.workingStatus()
	return nil
}

func (s *State) turnStarted(ev Event) error {
	if s.Phase != PhaseIdle {
		return fmt.Errorf("%w: turn already in flight (%s)", ErrInvalidTransition, s.Phase)
	}
	if len(s.Inbox) == 0 {
		return fmt.Errorf("%w: inbox is empty", ErrInvalidTransition)
	}
	s.Current = s.Inbox[0]
	s.Inbox = s.Inbox[1:]
	if len(s.Inbox) == 0 {
		s.Inbox = nil
	}
	s.TurnSeq = ev.Seq
	s.Phase = PhasePlanning
	s.Status = s.workingStatus()
	return nil
}

func (s *State) planCreated(ev Event) error {
	if s.Phase != PhasePlanning {
		return fmt.Errorf("%w: plan_created while %s", ErrInvalidTransition, s.Phase)
	}
	if ev.Plan == nil {
		return fmt.Errorf("%w: plan_created without plan", ErrInvalidTransition)
	}
	progress, err := plan.NewProgress(*ev.Plan)
	if err != nil {
		return err
	}
	s.Active = progress
	s.Phase = PhaseExecuting
	s.addTurn(ev, Turn{Kind: TurnSystem, Text: Announcement(*ev.Plan)})
	return nil
}

func (s *State) stageCompleted(ev Event) error {
	if s.Phase != PhaseExecuting || s.Active == nil {
		return fmt.Errorf("%w: stage_completed while %s", ErrInvalidTransition, s.Phase)
	}
	if ev.Stage == nil {
		return fmt.Errorf("%w: stage_completed without report", ErrInvalidTransition)
	}
	recorded, err := s.Active.Record(ev.Stage.Stage, ev.Stage.Outputs)
	if err != nil {
		return err
	}

	for _, o := range recorded {
		switch o.Status {
		case plan.StatusCompleted:
			s.addTurn(ev, Turn{Kind: TurnAgent, Text: o.Response, Specialist: o.Specialist, StepID: o.StepID})
		case plan.StatusFailed:
			s.addTurn(ev, Turn{Kind: TurnSystem, Text: failureText(o), Specialist: o.Specialist, StepID: o.StepID})
		}
	}
	if s.Active.Done() {
		s.Phase = PhaseSynthesizing
	}
	return nil
}

func (s *State) questionAsked(ev Event) error {
	if s.Phase != PhaseExecuting || s.Active == nil {
		return fmt.Errorf("%w: question_asked while %s", ErrInvalidTransition, s.Phase)
	}
	pending, ok := s.Active.Pending()
	if !ok || pending.StepID != ev.StepID {
		return fmt.Errorf("%w: step %q is not awaiting an answer", ErrInvalidTransition, ev.StepID)
	}

	s.Pending = &PendingQuestion{
		StepID:     pending.StepID,
		Specialist: pending.Specialist,
		Question:   pending.Question,
		AskedAt:    ev.At,
	}
	s.Phase = PhaseAwaitingAnswer
	s.Status = StatusWaitingForCustomer
	s.addTurn(ev, Turn{Kind: TurnQuestion, Text: pending.Question, Specialist: pending.Specialist, StepID: pending.StepID})
	return nil
}

func (s *State) replyProduced(ev Event) error {
	if s.Phase != PhaseSynthesizing {
		return fmt.Errorf("%w: reply_produced while %s", ErrInvalidTransition, s.Phase)
	}
	if ev.Reply == nil {
		return fmt.Errorf("%w: reply_produced without reply", ErrInvalidTransition)
	}
	s.addTurn(ev, Turn{Kind: TurnAgent, Text: ev.Reply.Text})
	if ev.Reply.RequiresEscalation {
		s.Escalated = true
	}
	s.endTurn()
	return nil
}

func (s *State) turnFailed(ev Event, want Phase, record string) error {
	if s.Phase != want {
		return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev.Type, s.Phase)
	}
	text := record
	if ev.Text != "" {
		text += ": " + ev.Text
	}
	s.addTurn(ev, Turn{Kind: TurnSystem, Text: text})
	s.addTurn(ev, Turn{Kind: TurnAgent, Text: synth.ApologyReply})
	s.endTurn()
	return nil
}

func (s *State) ticketClosed(ev Event) error {
	if s.Status.Terminal() {
		return ErrConversationClosed
	}
	status := ev.Status
	if status == "" {
		status = StatusClosed
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot close with status %q", ErrInvalidTransition, status)
	}

	if ev.Text != "" {
		s.addTurn(ev, Turn{Kind: TurnSystem, Text: ev.Text})
	}
	s.Active = nil
	s.Pending = nil
	s.Inbox = nil
	s.Current = ""
	s.TurnSeq = 0
	s.Phase = PhaseIdle
	s.Status = status
	return nil
}

func (s *State) endTurn() {
	s.Active = nil
	s.Pending = nil
	s.Current = ""
	s.TurnSeq = 0
	s.Phase = PhaseIdle
	s.Status = s.workingStatus()
}

func (s *State) workingStatus() Status {
	if s.Escalated {
		return StatusEscalated
	}
	return StatusInProgress
}

func (s *State) addTurn(ev Event, t Turn) {
	t.Seq = ev.Seq
	t.At = ev.At
	s.History = append(s.History, t)
}

// Announcement is the system turn recorded when a plan is created.
func Announcement(p plan.Plan) string {
	names := make([]string, 0, len(p.Steps))
	for _, id := range p.Specialists() {
		names = append(names, strings.ReplaceAll(string(id), "_", " "))
	}
	return "Working on your request with: " + strings.Join(names, ", ")
}

func failureText(o plan.StepOutput) string {
	text := fmt.Sprintf("%s failed (%s)", o.Specialist, o.Reason)
	if o.Detail != "" {
		text += ": " + o.Detail
	}
	return text
}

// Replay rebuilds a ticket's state from its events, oldest first.
func Replay(events []Event) (*State, error) {
	var s *State
	for _, ev := range events {
		next, err := s.Apply(ev)
		if err != nil {
			return nil, fmt.Errorf("replay %s (seq %d): %w", ev.Type, ev.Seq, err)
		}
		s = next
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}
