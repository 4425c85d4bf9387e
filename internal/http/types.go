package http

import (
	"time"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/plan"
)

// MessageRequest is the request body for POST /api/v1/tickets/:id/messages.
type MessageRequest struct {
	CustomerID string            `json:"customer_id,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`
	Text       string            `json:"text"`
}

// AnswerRequest is the request body for POST /api/v1/tickets/:id/answers.
type AnswerRequest struct {
	StepID plan.StepID `json:"step_id"`
	Text   string      `json:"text"`
}

// CloseRequest is the request body for POST /api/v1/tickets/:id/close.
type CloseRequest struct {
	Status conversation.Status `json:"status,omitempty"` // closed or resolved, default closed
	Notice string              `json:"notice,omitempty"`
}

// QuestionResponse is the clarification question a ticket waits on.
type QuestionResponse struct {
	StepID     plan.StepID       `json:"step_id"`
	Specialist plan.SpecialistID `json:"specialist"`
	Question   string            `json:"question"`
	AskedAt    time.Time         `json:"asked_at"`
}

// TicketResponse is the customer-facing view of a ticket.
type TicketResponse struct {
	TicketID  string              `json:"ticket_id"`
	ThreadID  string              `json:"thread_id"`
	Status    conversation.Status `json:"status"`
	Phase     conversation.Phase  `json:"phase"`
	Reply     string              `json:"reply,omitempty"`
	Question  *QuestionResponse   `json:"question,omitempty"`
	Queued    int                 `json:"queued,omitempty"`
	Escalated bool                `json:"escalated,omitempty"`
	Version   int                 `json:"version"`
	History   []conversation.Turn `json:"history,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func newTicketResponse(st *conversation.State, withHistory bool) TicketResponse {
	resp := TicketResponse{
		TicketID:  st.TicketID,
		ThreadID:  st.ThreadID,
		Status:    st.Status,
		Phase:     st.Phase,
		Queued:    len(st.Inbox),
		Escalated: st.Escalated,
		Version:   st.Version,
		UpdatedAt: st.UpdatedAt,
	}
	if reply, ok := st.LastReply(); ok {
		resp.Reply = reply.Text
	}
	if q := st.Pending; q != nil {
		resp.Question = &QuestionResponse{
			StepID:     q.StepID,
			Specialist: q.Specialist,
			Question:   q.Question,
			AskedAt:    q.AskedAt,
		}
	}
	if withHistory {
		resp.History = st.History
	}
	return resp
}

// CancelResponse reports whether a running step was cancelled.
type CancelResponse struct {
	TicketID  string      `json:"ticket_id"`
	StepID    plan.StepID `json:"step_id"`
	Cancelled bool        `json:"cancelled"`
}
