package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

const heartbeatInterval = 10 * time.Second

// StepInvoker runs a single plan step and never fails; *executor.Executor
// implements it.
type StepInvoker interface {
	InvokeStep(ctx context.Context, req registry.Request, step plan.Step, stage int, pc plan.Context) plan.StepOutput
}

// Tickets is the client-side view of ticket workflows used by maintenance.
// *Gateway implements it.
type Tickets interface {
	Open(ctx context.Context) ([]string, error)
	State(ctx context.Context, ticketID string) (*conversation.State, error)
	Close(ctx context.Context, ticketID string, status conversation.Status, notice string) (*conversation.State, error)
}

// Activities holds the dependencies of the ticket and maintenance activities.
// Register a pointer with the worker; the method names are the activity names.
type Activities struct {
	Planner conversation.Planner
	Steps   StepInvoker
	Synth   conversation.Synthesizer
	Evals   conversation.Evaluations
	Tickets Tickets
	Logger  *logging.Logger
	Now     func() time.Time
}

func (a *Activities) bind(ctx context.Context, threadID string) context.Context {
	if _, ok := correlation.ThreadID(ctx); !ok {
		ctx = correlation.WithThread(ctx, threadID)
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return logging.EnsureLogger(ctx, logger)
}

func (a *Activities) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Plan produces the plan for a turn. Planning failures are not retried by
// Temporal.
func (a *Activities) Plan(ctx context.Context, in PlanInput) (*plan.Plan, error) {
	start := time.Now()
	ctx = a.bind(ctx, in.ThreadID)

	p, err := a.Planner.Plan(ctx, in.Input)
	observeActivity(ctx, "Plan", start, err)
	if err != nil {
		return nil, nonRetryable(err)
	}
	return &p, nil
}

// InvokeStep runs one plan step. The outcome, failures included, is the
// returned output; the activity itself only fails if the worker does.
func (a *Activities) InvokeStep(ctx context.Context, in StepInput) (plan.StepOutput, error) {
	start := time.Now()
	ctx = a.bind(ctx, in.ThreadID)
	ctx = logging.WithTicketID(ctx, in.Request.TicketID)

	stop := heartbeat(ctx, heartbeatInterval)
	defer stop()

	out := a.Steps.InvokeStep(ctx, in.Request, in.Step, in.Stage, in.Context)
	observeActivity(ctx, "InvokeStep", start, nil)
	return out, nil
}

// Synthesize produces the reply of a turn.
func (a *Activities) Synthesize(ctx context.Context, in SynthesizeInput) (*synth.Reply, error) {
	start := time.Now()
	ctx = a.bind(ctx, in.ThreadID)

	reply, err := a.Synth.Synthesize(ctx, in.Input)
	observeActivity(ctx, "Synthesize", start, err)
	if err != nil {
		return nil, nonRetryable(err)
	}
	return reply, nil
}

// SubmitEvaluation hands a turn evaluation to the evaluation queue. A full
// queue drops it.
func (a *Activities) SubmitEvaluation(ctx context.Context, ev tracing.Evaluation) error {
	if a.Evals == nil {
		return nil
	}
	ctx = a.bind(ctx, ev.ThreadID)
	if !a.Evals.Submit(ev) {
		logging.FromContext(ctx).Debug(ctx, "evaluation not accepted",
			zap.String("ticket.id", ev.TicketID))
	}
	return nil
}

// CloseInactiveTickets closes every open ticket whose last event is older than
// the inactivity window. Failures on single tickets are reported in the result
// and do not fail the sweep.
func (a *Activities) CloseInactiveTickets(ctx context.Context, in AutoCloseInput) (*AutoCloseResult, error) {
	start := time.Now()
	logger := a.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	ids, err := a.Tickets.Open(ctx)
	if err != nil {
		observeActivity(ctx, "CloseInactiveTickets", start, err)
		return nil, fmt.Errorf("failed to list open tickets: %w", err)
	}

	notice := in.Notice
	if notice == "" {
		notice = conversation.InactivityNotice
	}
	cutoff := a.now().Add(-in.InactivityWindow)
	res := &AutoCloseResult{}
	for i, id := range ids {
		if activity.IsActivity(ctx) {
			activity.RecordHeartbeat(ctx, i)
		}
		res.Checked++

		st, err := a.Tickets.State(ctx, id)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to query %s: %v", id, err))
			continue
		}
		if st.Status.Terminal() || !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := a.Tickets.Close(ctx, id, conversation.StatusClosed, notice); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to close %s: %v", id, err))
			continue
		}
		logger.Info(ctx, "closed inactive ticket",
			zap.String("ticket.id", id),
			zap.Time("last_update", st.UpdatedAt))
		autoClosedCounter.Add(ctx, 1)
		res.Closed = append(res.Closed, id)
	}

	observeActivity(ctx, "CloseInactiveTickets", start, nil)
	return res, nil
}

// heartbeat records activity heartbeats until stop is called, so that
// cancellation requested by the workflow reaches ctx.
func heartbeat(ctx context.Context, every time.Duration) (stop func()) {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return cancel
}
