package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/plan"
)

const listPageSize = 100

// Gateway is the client side of ticket workflows: it turns ingress calls into
// signals and queries. Rejections the workflow would only log are checked
// against the queried state first and returned as conversation errors.
type Gateway struct {
	client    client.Client
	namespace string
	taskQueue string
	options   TicketOptions
}

// NewGateway creates a gateway. opts are passed to every ticket workflow it
// starts.
func NewGateway(c client.Client, namespace, taskQueue string, opts TicketOptions) *Gateway {
	if namespace == "" {
		namespace = "default"
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Gateway{client: c, namespace: namespace, taskQueue: taskQueue, options: opts}
}

// Submit delivers a customer message, starting the ticket workflow if needed.
// It returns the state as last seen by the workflow, which may not include the
// message yet.
func (g *Gateway) Submit(ctx context.Context, sig conversation.Signal) (*conversation.State, error) {
	if sig.TicketID == "" {
		return nil, fmt.Errorf("%w: missing ticket id", conversation.ErrInvalidTransition)
	}

	st, err := g.State(ctx, sig.TicketID)
	switch {
	case err == nil:
		if _, err := conversation.Route(st, sig, withDefaults(g.options).InboxLimit); err != nil {
			return nil, err
		}
	case !errors.Is(err, conversation.ErrNotFound):
		return nil, err
	}

	ctx = correlation.WithThread(ctx, conversation.ThreadID(sig.TicketID))
	_, err = g.client.SignalWithStartWorkflow(ctx, WorkflowID(sig.TicketID), SignalMessage, sig,
		client.StartWorkflowOptions{
			ID:                    WorkflowID(sig.TicketID),
			TaskQueue:             g.taskQueue,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		},
		TicketWorkflow, TicketInput{TicketID: sig.TicketID, Options: g.options})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			// Only a completed run is rejected; a completed ticket is closed.
			return nil, conversation.ErrConversationClosed
		}
		return nil, fmt.Errorf("failed to signal ticket %s: %w", sig.TicketID, err)
	}

	st, err = g.State(ctx, sig.TicketID)
	if errors.Is(err, conversation.ErrNotFound) {
		return accepted(sig.TicketID), nil
	}
	return st, err
}

// Answer resolves the pending question of step.
func (g *Gateway) Answer(ctx context.Context, ticketID string, step plan.StepID, text string) (*conversation.State, error) {
	st, err := g.State(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Status.Terminal():
		return nil, conversation.ErrConversationClosed
	case st.Phase != conversation.PhaseAwaitingAnswer || st.Pending == nil || st.Pending.StepID != step:
		return nil, fmt.Errorf("%w: step %q", conversation.ErrNoPendingQuestion, step)
	case strings.TrimSpace(text) == "":
		return nil, fmt.Errorf("%w: empty answer", conversation.ErrInvalidTransition)
	}

	err = g.client.SignalWorkflow(ctx, WorkflowID(ticketID), "", SignalAnswer, AnswerSignal{StepID: step, Text: text})
	if err != nil {
		return nil, ingressError(ticketID, err)
	}
	return g.State(ctx, ticketID)
}

// Close closes a ticket with status closed or resolved.
func (g *Gateway) Close(ctx context.Context, ticketID string, status conversation.Status, notice string) (*conversation.State, error) {
	st, err := g.State(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return nil, conversation.ErrConversationClosed
	}

	err = g.client.SignalWorkflow(ctx, WorkflowID(ticketID), "", SignalClose, CloseSignal{Status: status, Notice: notice})
	if err != nil {
		return nil, ingressError(ticketID, err)
	}
	return g.State(ctx, ticketID)
}

// Cancel asks the ticket workflow to cancel a running step. It reports
// whether the step was running when last queried.
func (g *Gateway) Cancel(ctx context.Context, ticketID string, step plan.StepID) (bool, error) {
	st, err := g.State(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if st.Phase != conversation.PhaseExecuting || st.Active == nil {
		return false, nil
	}
	if _, done := st.Active.Outputs[step]; done {
		return false, nil
	}
	if err := g.client.SignalWorkflow(ctx, WorkflowID(ticketID), "", SignalCancelStep, step); err != nil {
		return false, ingressError(ticketID, err)
	}
	return true, nil
}

// State queries the current state of a ticket.
func (g *Gateway) State(ctx context.Context, ticketID string) (*conversation.State, error) {
	val, err := g.client.QueryWorkflow(ctx, WorkflowID(ticketID), "", QueryState)
	if err != nil {
		return nil, ingressError(ticketID, err)
	}
	var st conversation.State
	if err := val.Get(&st); err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", ticketID, err)
	}
	return &st, nil
}

// Open lists the ids of tickets whose workflow is running.
func (g *Gateway) Open(ctx context.Context) ([]string, error) {
	var (
		ids   []string
		token []byte
	)
	for {
		resp, err := g.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
			Namespace:     g.namespace,
			PageSize:      listPageSize,
			NextPageToken: token,
			Query:         fmt.Sprintf("WorkflowType = '%s' AND ExecutionStatus = 'Running'", TicketWorkflowName),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list ticket workflows: %w", err)
		}
		for _, info := range resp.GetExecutions() {
			if id, ok := TicketIDFromWorkflow(info.GetExecution().GetWorkflowId()); ok {
				ids = append(ids, id)
			}
		}
		token = resp.GetNextPageToken()
		if len(token) == 0 {
			return ids, nil
		}
	}
}

// EnsureAutoCloseSchedule creates the schedule that runs AutoCloseWorkflow
// every interval. An existing schedule is left as it is.
func (g *Gateway) EnsureAutoCloseSchedule(ctx context.Context, every time.Duration, in AutoCloseInput) error {
	_, err := g.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: AutoCloseScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: every}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        AutoCloseWorkflowID,
			Workflow:  AutoCloseWorkflow,
			Args:      []interface{}{in},
			TaskQueue: g.taskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil && !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return fmt.Errorf("failed to create auto-close schedule: %w", err)
	}
	return nil
}

// accepted stands in for the state of a ticket whose workflow has not
// processed its first message yet.
func accepted(ticketID string) *conversation.State {
	return &conversation.State{
		TicketID: ticketID,
		ThreadID: conversation.ThreadID(ticketID),
		Status:   conversation.StatusOpen,
		Phase:    conversation.PhaseIdle,
	}
}

func isNotFound(err error) bool {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var queryFailed *serviceerror.QueryFailed
	if errors.As(err, &queryFailed) {
		return strings.Contains(queryFailed.Message, conversation.ErrNotFound.Error())
	}
	return errors.Is(err, conversation.ErrNotFound)
}
