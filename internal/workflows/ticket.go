package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

// stepGrace is added to the step timeout for the activity's own deadline; the
// executor enforces the step timeout itself.
const stepGrace = 30 * time.Second

// acts resolves activity method names; it is never dereferenced.
var acts *Activities

// ticket is the state of one run of TicketWorkflow. Signal handlers and the
// main loop share it; the workflow runtime never runs them in parallel.
type ticket struct {
	id     string
	opts   TicketOptions
	state  *conversation.State
	events int
	logger log.Logger

	cancelRun workflow.CancelFunc
	running   map[plan.StepID]workflow.CancelFunc
	// evaluating counts evaluation submissions still in flight.
	evaluating int
	cancelled map[plan.StepID]bool

	messages workflow.ReceiveChannel
	answers  workflow.ReceiveChannel
	closes   workflow.ReceiveChannel
	cancels  workflow.ReceiveChannel
}

// TicketWorkflow hosts one ticket conversation. It is started by the first
// message-received signal and completes when the ticket is closed. Signals are
// applied as events the moment they arrive; a close signal also cancels
// whatever the turn is running.
func TicketWorkflow(ctx workflow.Context, in TicketInput) (*conversation.State, error) {
	t := &ticket{
		id:        in.TicketID,
		opts:      withDefaults(in.Options),
		state:     in.State,
		logger:    workflow.GetLogger(ctx),
		running:   make(map[plan.StepID]workflow.CancelFunc),
		cancelled: make(map[plan.StepID]bool),
		messages:  workflow.GetSignalChannel(ctx, SignalMessage),
		answers:   workflow.GetSignalChannel(ctx, SignalAnswer),
		closes:    workflow.GetSignalChannel(ctx, SignalClose),
		cancels:   workflow.GetSignalChannel(ctx, SignalCancelStep),
	}
	t.logger.Info("Starting ticket workflow", "ticket", t.id, "resumed", in.State != nil)

	if err := workflow.SetQueryHandler(ctx, QueryState, t.query); err != nil {
		return nil, NewWorkflowError("register state query", ErrorSeverityCritical, err, t.id)
	}

	runCtx, cancelRun := workflow.WithCancel(ctx)
	t.cancelRun = cancelRun
	workflow.Go(ctx, t.receive)

	for {
		if err := workflow.Await(ctx, func() bool { return t.state != nil }); err != nil {
			return nil, err
		}
		st := t.state
		if st.Status.Terminal() {
			t.settle(ctx)
			t.logger.Info("Ticket closed", "ticket", t.id, "status", st.Status, "version", st.Version)
			return st, nil
		}
		turnCtx := correlation.WithWorkflowThread(runCtx, st.ThreadID)

		var err error
		switch st.Phase {
		case conversation.PhaseIdle:
			if len(st.Inbox) > 0 {
				err = t.apply(ctx, conversation.Event{Type: conversation.EventTurnStarted})
				break
			}
			if t.shouldContinueAsNew(ctx) && !t.drain(ctx) {
				return nil, t.continueAsNew(ctx)
			}
			err = workflow.Await(ctx, func() bool {
				return t.state.Status.Terminal() || t.state.Phase != conversation.PhaseIdle || len(t.state.Inbox) > 0
			})
		case conversation.PhasePlanning:
			err = t.planTurn(turnCtx)
		case conversation.PhaseExecuting:
			err = t.executeTurn(turnCtx)
		case conversation.PhaseSynthesizing:
			err = t.synthesizeTurn(turnCtx)
		case conversation.PhaseAwaitingAnswer:
			if t.shouldContinueAsNew(ctx) && !t.drain(ctx) {
				return nil, t.continueAsNew(ctx)
			}
			err = t.awaitAnswer(ctx)
		}
		if err != nil {
			if t.state.Status.Terminal() {
				continue
			}
			return t.state, NewWorkflowError("drive ticket", ErrorSeverityCritical, err, string(st.Phase))
		}
	}
}

func withDefaults(o TicketOptions) TicketOptions {
	if o.StepTimeout <= 0 {
		o.StepTimeout = executor.DefaultStepTimeout
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = executor.DefaultMaxParallel
	}
	if o.InboxLimit <= 0 {
		o.InboxLimit = conversation.DefaultInboxLimit
	}
	if o.ContinueAsNewAfter <= 0 {
		o.ContinueAsNewAfter = DefaultContinueAsNewAfter
	}
	return o
}

func (t *ticket) query() (*conversation.State, error) {
	if t.state == nil {
		return nil, fmt.Errorf("%w: %q", conversation.ErrNotFound, t.id)
	}
	return t.state, nil
}

// apply stamps ev with the workflow clock and applies it to the ticket.
func (t *ticket) apply(ctx workflow.Context, ev conversation.Event) error {
	ev = t.state.Stamp(t.id, ev, workflow.Now(ctx))
	next, err := t.state.Apply(ev)
	if err != nil {
		return err
	}
	t.state = next
	t.events++
	countWorkflow(ctx, ticketEventCounter, attribute.String("type", string(ev.Type)))
	return nil
}

func (t *ticket) receive(ctx workflow.Context) {
	for {
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(t.messages, func(c workflow.ReceiveChannel, _ bool) {
			var sig conversation.Signal
			c.Receive(ctx, &sig)
			t.onMessage(ctx, sig)
		})
		sel.AddReceive(t.answers, func(c workflow.ReceiveChannel, _ bool) {
			var sig AnswerSignal
			c.Receive(ctx, &sig)
			t.onAnswer(ctx, sig)
		})
		sel.AddReceive(t.closes, func(c workflow.ReceiveChannel, _ bool) {
			var sig CloseSignal
			c.Receive(ctx, &sig)
			t.onClose(ctx, sig)
		})
		sel.AddReceive(t.cancels, func(c workflow.ReceiveChannel, _ bool) {
			var step plan.StepID
			c.Receive(ctx, &step)
			t.onCancelStep(step)
		})
		sel.Select(ctx)
	}
}

// drain handles signals already delivered but not yet received. It reports
// whether there were any.
func (t *ticket) drain(ctx workflow.Context) bool {
	handled := false
	for {
		var (
			msg    conversation.Signal
			answer AnswerSignal
			closed CloseSignal
			step   plan.StepID
		)
		switch {
		case t.messages.ReceiveAsync(&msg):
			t.onMessage(ctx, msg)
		case t.answers.ReceiveAsync(&answer):
			t.onAnswer(ctx, answer)
		case t.closes.ReceiveAsync(&closed):
			t.onClose(ctx, closed)
		case t.cancels.ReceiveAsync(&step):
			t.onCancelStep(step)
		default:
			return handled
		}
		handled = true
	}
}

func (t *ticket) onMessage(ctx workflow.Context, sig conversation.Signal) {
	evs, err := conversation.Route(t.state, sig, t.opts.InboxLimit)
	if err != nil {
		t.logger.Warn("Message rejected", "ticket", t.id, "error", err)
		return
	}
	for _, ev := range evs {
		if err := t.apply(ctx, ev); err != nil {
			t.logger.Warn("Message rejected", "ticket", t.id, "event", ev.Type, "error", err)
			return
		}
	}
}

func (t *ticket) onAnswer(ctx workflow.Context, sig AnswerSignal) {
	if t.state == nil {
		return
	}
	err := t.apply(ctx, conversation.Event{Type: conversation.EventAnswerReceived, StepID: sig.StepID, Text: sig.Text})
	if err != nil {
		t.logger.Warn("Answer rejected", "ticket", t.id, "step", sig.StepID, "error", err)
	}
}

func (t *ticket) onClose(ctx workflow.Context, sig CloseSignal) {
	if t.state == nil {
		return
	}
	err := t.apply(ctx, conversation.Event{Type: conversation.EventTicketClosed, Status: sig.Status, Text: sig.Notice})
	if err != nil {
		t.logger.Warn("Close rejected", "ticket", t.id, "error", err)
		return
	}
	t.cancelRun()
}

func (t *ticket) onCancelStep(step plan.StepID) {
	cancel, ok := t.running[step]
	if !ok {
		t.logger.Info("Cancel ignored, step not running", "ticket", t.id, "step", step)
		return
	}
	t.cancelled[step] = true
	cancel()
}

func (t *ticket) shouldContinueAsNew(ctx workflow.Context) bool {
	return t.events >= t.opts.ContinueAsNewAfter || workflow.GetInfo(ctx).GetContinueAsNewSuggested()
}

func (t *ticket) continueAsNew(ctx workflow.Context) error {
	t.settle(ctx)
	t.logger.Info("Continuing as new", "ticket", t.id, "events", t.events, "version", t.state.Version)
	countWorkflow(ctx, continueAsNewCounter)
	return workflow.NewContinueAsNewError(ctx, TicketWorkflow, TicketInput{
		TicketID: t.id,
		Options:  t.opts,
		State:    t.state,
	})
}

func (t *ticket) planTurn(ctx workflow.Context) error {
	st := t.state
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypePlanningFailed},
		},
	})

	var p plan.Plan
	err := workflow.ExecuteActivity(ctx, acts.Plan, PlanInput{
		ThreadID: st.ThreadID,
		Input: planner.Input{
			TicketID: st.TicketID,
			Message:  st.Current,
			History:  st.Background(),
			Profile:  st.Profile,
		},
	}).Get(ctx, &p)
	if t.state.Status.Terminal() {
		return nil
	}
	if err != nil {
		if temporal.IsCanceledError(err) {
			return err
		}
		t.logger.Warn("Planning failed, sending apology", "ticket", t.id, "error", err)
		countWorkflow(ctx, ticketTurnCounter, attribute.String("result", "planning_failed"))
		return t.apply(ctx, conversation.Event{Type: conversation.EventPlanningFailed, Text: failureText(err)})
	}
	return t.apply(ctx, conversation.Event{Type: conversation.EventPlanCreated, Plan: &p})
}

// executeTurn runs stages until the plan is done, suspended or the ticket is
// closed. Stage scheduling is the same Progress logic the in-process executor
// uses; only the step invocations leave the workflow.
func (t *ticket) executeTurn(ctx workflow.Context) error {
	for {
		st := t.state
		if st.Status.Terminal() || st.Phase != conversation.PhaseExecuting {
			return nil
		}
		prog := st.Active.Clone()
		if q, ok := prog.Pending(); ok {
			t.logger.Info("Plan suspended on question", "ticket", t.id, "step", q.StepID)
			countWorkflow(ctx, ticketTurnCounter, attribute.String("result", "suspended"))
			return t.apply(ctx, conversation.Event{Type: conversation.EventQuestionAsked, StepID: q.StepID})
		}

		stage := prog.Stage
		blocked := prog.Blocked()
		ready := prog.Ready()
		if len(ready) == 0 && len(blocked) == 0 {
			return fmt.Errorf("%w: stage %d has no ready steps", plan.ErrUnschedulablePlan, stage)
		}

		outputs := t.runStage(ctx, st, prog, stage, ready)
		if t.state.Status.Terminal() {
			return nil
		}

		recorded, err := prog.Record(stage, append(blocked, outputs...))
		if err != nil {
			return fmt.Errorf("record stage %d: %w", stage, err)
		}
		report := executor.StageReport{Stage: stage, Outputs: recorded, Suspended: prog.Suspended()}
		if err := t.apply(ctx, conversation.Event{Type: conversation.EventStageCompleted, Stage: &report}); err != nil {
			return err
		}
	}
}

// runStage invokes the ready steps as activities, at most MaxParallel at a
// time, and returns their outputs in plan order.
func (t *ticket) runStage(ctx workflow.Context, st *conversation.State, prog *plan.Progress, stage int, ready []plan.Step) []plan.StepOutput {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: t.opts.StepTimeout + stepGrace,
		HeartbeatTimeout:    3 * heartbeatInterval,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	req := registry.Request{
		TicketID:   st.TicketID,
		CustomerID: st.CustomerID,
		Profile:    st.Profile,
		Message:    st.Current,
		History:    st.Background(),
	}

	outputs := make([]plan.StepOutput, len(ready))
	sel := workflow.NewSelector(ctx)
	next, inflight := 0, 0
	launch := func() {
		i, step := next, ready[next]
		next++
		inflight++

		stepCtx, cancel := workflow.WithCancel(ctx)
		t.running[step.ID] = cancel
		f := workflow.ExecuteActivity(stepCtx, acts.InvokeStep, StepInput{
			ThreadID: st.ThreadID,
			Request:  req.ForStep(step, prog.Answers[step.ID]),
			Step:     step,
			Stage:    stage,
			Context:  prog.Context.Clone(),
		})
		sel.AddFuture(f, func(f workflow.Future) {
			inflight--
			delete(t.running, step.ID)
			cancel()

			var out plan.StepOutput
			if err := f.Get(ctx, &out); err != nil {
				out = t.stepFailure(step, stage, err)
			}
			delete(t.cancelled, step.ID)
			outputs[i] = out
		})
	}

	for next < len(ready) || inflight > 0 {
		for next < len(ready) && inflight < t.opts.MaxParallel {
			launch()
		}
		sel.Select(ctx)
	}
	return outputs
}

func (t *ticket) stepFailure(step plan.Step, stage int, err error) plan.StepOutput {
	if temporal.IsCanceledError(err) {
		detail := "turn cancelled"
		if t.cancelled[step.ID] {
			detail = "cancelled by request"
		}
		return plan.Failure(step, stage, plan.ReasonCancelled, detail)
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return plan.Failure(step, stage, plan.ReasonCancelled, fmt.Sprintf("timed out after %s", t.opts.StepTimeout))
	}
	return plan.Failure(step, stage, plan.ReasonStepFailed, failureText(err))
}

func (t *ticket) synthesizeTurn(ctx workflow.Context) error {
	st := t.state
	results := st.Active.Results()
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var reply synth.Reply
	err := workflow.ExecuteActivity(actx, acts.Synthesize, SynthesizeInput{
		ThreadID: st.ThreadID,
		Input: synth.Input{
			Message: st.Current,
			History: st.Background(),
			Results: results,
		},
	}).Get(ctx, &reply)
	if t.state.Status.Terminal() {
		return nil
	}
	if err != nil {
		if temporal.IsCanceledError(err) {
			return err
		}
		t.logger.Warn("Synthesis failed, sending apology", "ticket", t.id, "error", err)
		countWorkflow(ctx, ticketTurnCounter, attribute.String("result", "synthesis_failed"))
		return t.apply(ctx, conversation.Event{Type: conversation.EventSynthesisFailed, Text: failureText(err)})
	}
	if err := t.apply(ctx, conversation.Event{Type: conversation.EventReplyProduced, Reply: &reply}); err != nil {
		return err
	}
	countWorkflow(ctx, ticketTurnCounter, attribute.String("result", "replied"))

	t.evaluate(ctx, st, reply, results)
	return nil
}

// evaluate submits the turn evaluation without holding up the next turn. A
// close does not cancel it; the run waits for it before it ends.
func (t *ticket) evaluate(ctx workflow.Context, st *conversation.State, reply synth.Reply, results []plan.StepOutput) {
	ectx, _ := workflow.NewDisconnectedContext(ctx)
	ectx = workflow.WithActivityOptions(ectx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	future := workflow.ExecuteActivity(ectx, acts.SubmitEvaluation, tracing.Evaluation{
		ThreadID:         st.ThreadID,
		TicketID:         st.TicketID,
		Input:            st.Current,
		Output:           reply.Text,
		RetrievedContext: conversation.RetrievedContext(results),
		At:               workflow.Now(ctx).UTC(),
	})

	t.evaluating++
	workflow.Go(ectx, func(gctx workflow.Context) {
		defer func() { t.evaluating-- }()
		// Evaluation is best effort; a failure is logged and the turn stands.
		if err := future.Get(gctx, nil); err != nil && !temporal.IsCanceledError(err) {
			t.logger.Warn("Failed to submit evaluation", "ticket", t.id, "error", err)
		}
	})
}

// settle waits for in-flight evaluations before the run ends or continues as
// new.
func (t *ticket) settle(ctx workflow.Context) {
	if t.evaluating == 0 {
		return
	}
	_ = workflow.Await(ctx, func() bool { return t.evaluating == 0 })
}

// awaitAnswer waits for the pending question to be answered. With a question
// timeout it answers on the customer's behalf once the question is that old.
func (t *ticket) awaitAnswer(ctx workflow.Context) error {
	answered := func() bool {
		return t.state.Status.Terminal() || t.state.Phase != conversation.PhaseAwaitingAnswer
	}
	timeout := t.opts.QuestionTimeout
	if timeout <= 0 {
		return workflow.Await(ctx, answered)
	}

	if remaining := timeout - workflow.Now(ctx).Sub(t.state.Pending.AskedAt); remaining > 0 {
		ok, err := workflow.AwaitWithTimeout(ctx, remaining, answered)
		if err != nil || ok {
			return err
		}
	}
	t.logger.Info("Question timed out", "ticket", t.id, "step", t.state.Pending.StepID)
	return t.apply(ctx, conversation.Event{
		Type:   conversation.EventAnswerReceived,
		StepID: t.state.Pending.StepID,
		Text:   conversation.TimeoutAnswer(timeout),
	})
}
