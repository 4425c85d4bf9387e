package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

type planFunc func(ctx context.Context, in planner.Input) (plan.Plan, error)

func (f planFunc) Plan(ctx context.Context, in planner.Input) (plan.Plan, error) { return f(ctx, in) }

type synthFunc func(ctx context.Context, in synth.Input) (*synth.Reply, error)

func (f synthFunc) Synthesize(ctx context.Context, in synth.Input) (*synth.Reply, error) {
	return f(ctx, in)
}

// MockEvaluations is a mock implementation of Evaluations
type MockEvaluations struct {
	mock.Mock
}

func (m *MockEvaluations) Submit(ev tracing.Evaluation) bool {
	args := m.Called(ev)
	return args.Bool(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// joinSynth replies with every completed response joined in plan order.
var joinSynth = synthFunc(func(_ context.Context, in synth.Input) (*synth.Reply, error) {
	var parts []string
	for _, r := range in.Results {
		if r.Status == plan.StatusCompleted {
			parts = append(parts, r.Response)
		}
	}
	return &synth.Reply{Text: strings.Join(parts, "; "), Confidence: 0.9}, nil
})

func fixedPlan(p plan.Plan) planFunc {
	return func(context.Context, planner.Input) (plan.Plan, error) { return p, nil }
}

func step(id string, specialist plan.SpecialistID, deps ...plan.StepID) plan.Step {
	return plan.Step{ID: plan.StepID(id), Specialist: specialist, DependsOn: deps}
}

func newRegistry(t *testing.T, caps map[plan.SpecialistID]registry.CapabilityFunc) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for id, c := range caps {
		require.NoError(t, reg.Register(registry.Descriptor{ID: id}, c))
	}
	return reg
}

func newManager(t *testing.T, store Store, p Planner, reg *registry.Registry, s Synthesizer, opts ...Option) *Manager {
	t.Helper()
	exec := executor.New(reg, nil, executor.Config{StepTimeout: 5 * time.Second})
	return NewManager(store, p, exec, s, opts...)
}

func completed(text string) registry.CapabilityFunc {
	return func(context.Context, registry.Request, plan.Context) (plan.Outcome, error) {
		return plan.Completed(text, nil), nil
	}
}

func encodeState(t *testing.T, s *State) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}

func TestThreadID(t *testing.T) {
	assert.Equal(t, ThreadID("T-1"), ThreadID("T-1"))
	assert.NotEqual(t, ThreadID("T-1"), ThreadID("T-2"))
}

func TestState_Apply(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var st *State
	apply := func(ev Event) {
		t.Helper()
		ev = st.Stamp("T-1", ev, at)
		next, err := st.Apply(ev)
		require.NoError(t, err)
		st = next
	}

	apply(Event{Type: EventTicketOpened, Opened: &Opened{CustomerID: "C-7"}})
	assert.Equal(t, StatusOpen, st.Status)
	assert.Equal(t, ThreadID("T-1"), st.ThreadID)

	apply(Event{Type: EventMessageReceived, Text: "my order is late"})
	assert.Equal(t, []string{"my order is late"}, st.Inbox)

	apply(Event{Type: EventTurnStarted})
	assert.Equal(t, PhasePlanning, st.Phase)
	assert.Equal(t, "my order is late", st.Current)
	assert.Empty(t, st.Inbox)

	p := plan.Plan{Steps: []plan.Step{step("1", "order_specialist")}}
	apply(Event{Type: EventPlanCreated, Plan: &p})
	assert.Equal(t, PhaseExecuting, st.Phase)
	assert.Equal(t, "Working on your request with: order specialist", st.History[len(st.History)-1].Text)

	t.Run("rejections leave the state untouched", func(t *testing.T) {
		before := encodeState(t, st)

		_, err := st.Apply(st.Stamp("T-1", Event{Type: EventAnswerReceived, StepID: "1", Text: "M"}, at))
		assert.ErrorIs(t, err, ErrNoPendingQuestion)

		_, err = st.Apply(st.Stamp("T-1", Event{Type: EventReplyProduced, Reply: &synth.Reply{Text: "hi"}}, at))
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stale := st.Stamp("T-1", Event{Type: EventMessageReceived, Text: "again"}, at)
		stale.Seq--
		_, err = st.Apply(stale)
		assert.ErrorIs(t, err, ErrOutOfOrder)

		assert.Equal(t, before, encodeState(t, st))
	})

	out := plan.StepOutput{StepID: "1", Specialist: "order_specialist", Status: plan.StatusCompleted, Response: "shipped"}
	apply(Event{Type: EventStageCompleted, Stage: &executor.StageReport{Stage: 0, Outputs: []plan.StepOutput{out}}})
	assert.Equal(t, PhaseSynthesizing, st.Phase)

	apply(Event{Type: EventReplyProduced, Reply: &synth.Reply{Text: "It shipped.", RequiresEscalation: true}})
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, StatusEscalated, st.Status)
	assert.Nil(t, st.Active)
	reply, ok := st.LastReply()
	require.True(t, ok)
	assert.Equal(t, "It shipped.", reply.Text)

	apply(Event{Type: EventTicketClosed, Text: InactivityNotice})
	assert.Equal(t, StatusClosed, st.Status)

	_, err := st.Apply(st.Stamp("T-1", Event{Type: EventMessageReceived, Text: "hello?"}, at))
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestReplay_RequiresOpen(t *testing.T) {
	_, err := Replay(nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Replay([]Event{{TicketID: "T-1", Seq: 1, Type: EventMessageReceived, Text: "hi"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SuspendAndResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var (
		aCalls, bCalls, cCalls atomic.Int32
		mu                     sync.Mutex
		cSaw                   []string
		bAnswers               []plan.Answer
		threads                = map[string]bool{}
	)
	seeThread := func(ctx context.Context) {
		id, _ := correlation.ThreadID(ctx)
		mu.Lock()
		threads[id] = true
		mu.Unlock()
	}

	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"order_specialist": func(ctx context.Context, _ registry.Request, _ plan.Context) (plan.Outcome, error) {
			seeThread(ctx)
			aCalls.Add(1)
			return plan.Completed("order 42 shipped", nil), nil
		},
		"male_specialist": func(ctx context.Context, req registry.Request, _ plan.Context) (plan.Outcome, error) {
			seeThread(ctx)
			bCalls.Add(1)
			if len(req.Answers) == 0 {
				return plan.AskQuestion("which size?"), nil
			}
			mu.Lock()
			bAnswers = req.Answers
			mu.Unlock()
			return plan.Completed("size "+req.Answers[0].Text+" reserved", nil), nil
		},
		"billing": func(ctx context.Context, _ registry.Request, pc plan.Context) (plan.Outcome, error) {
			seeThread(ctx)
			cCalls.Add(1)
			mu.Lock()
			for id := range pc {
				cSaw = append(cSaw, string(id))
			}
			mu.Unlock()
			return plan.Completed("charged", nil), nil
		},
	})
	p := plan.Plan{Steps: []plan.Step{
		step("1", "order_specialist"),
		step("2", "male_specialist"),
		step("3", "billing", "1", "2"),
	}}
	mgr := newManager(t, store, fixedPlan(p), reg, joinSynth)

	st, err := mgr.Submit(ctx, Signal{TicketID: "T-1", CustomerID: "C-1", Text: "ship my order and a shirt"})
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingAnswer, st.Phase)
	assert.Equal(t, StatusWaitingForCustomer, st.Status)
	require.NotNil(t, st.Pending)
	assert.Equal(t, plan.StepID("2"), st.Pending.StepID)
	assert.Equal(t, "which size?", st.Pending.Question)
	assert.Equal(t, int32(0), cCalls.Load())

	replayed, err := mgr.Replay(ctx, "T-1")
	require.NoError(t, err)
	assert.JSONEq(t, encodeState(t, st), encodeState(t, replayed))

	t.Run("mismatched answer is rejected", func(t *testing.T) {
		_, err := mgr.Answer(ctx, "T-1", "3", "M")
		require.ErrorIs(t, err, ErrNoPendingQuestion)

		after, err := mgr.State(ctx, "T-1")
		require.NoError(t, err)
		assert.Equal(t, st.Version, after.Version)
		assert.Equal(t, PhaseAwaitingAnswer, after.Phase)
	})

	st, err = mgr.Answer(ctx, "T-1", "2", "M")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Nil(t, st.Active)

	assert.Equal(t, int32(1), aCalls.Load(), "completed steps are not re-run on resume")
	assert.Equal(t, int32(2), bCalls.Load())
	assert.Equal(t, int32(1), cCalls.Load())
	assert.Equal(t, []plan.Answer{{Question: "which size?", Text: "M"}}, bAnswers)
	sort.Strings(cSaw)
	assert.Equal(t, []string{"male_specialist", "order_specialist"}, cSaw)
	assert.Equal(t, map[string]bool{ThreadID("T-1"): true}, threads)

	reply, ok := st.LastReply()
	require.True(t, ok)
	assert.Equal(t, "order 42 shipped; size M reserved; charged", reply.Text)

	replayed, err = mgr.Replay(ctx, "T-1")
	require.NoError(t, err)
	assert.JSONEq(t, encodeState(t, st), encodeState(t, replayed))
}

func TestManager_UpstreamFailure(t *testing.T) {
	ctx := context.Background()
	var bCalls atomic.Int32
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"order_specialist": func(context.Context, registry.Request, plan.Context) (plan.Outcome, error) {
			return plan.Failed("order not found"), nil
		},
		"refund_specialist": func(context.Context, registry.Request, plan.Context) (plan.Outcome, error) {
			bCalls.Add(1)
			return plan.Completed("refunded", nil), nil
		},
	})
	p := plan.Plan{Steps: []plan.Step{
		step("1", "order_specialist"),
		step("2", "refund_specialist", "1"),
	}}
	s := synth.New(reasoning.Func(func(context.Context, reasoning.Task) (string, error) {
		return `{"response": "We looked into your request.", "confidence": 0.4}`, nil
	}), nil)
	mgr := newManager(t, NewMemoryStore(), fixedPlan(p), reg, s)

	st, err := mgr.Submit(ctx, Signal{TicketID: "T-2", Text: "refund order 9"})
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, int32(0), bCalls.Load())

	reply, ok := st.LastReply()
	require.True(t, ok)
	assert.Contains(t, reply.Text, "order not found")
	assert.NotEqual(t, synth.ApologyReply, reply.Text)

	var failures []string
	for _, turn := range st.History {
		if turn.Kind == TurnSystem && turn.StepID != "" {
			failures = append(failures, turn.Text)
		}
	}
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "step_failed")
	assert.Contains(t, failures[1], "upstream_failure")
}

func TestManager_MessageWhileAwaitingIsTheAnswer(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"alteration": func(_ context.Context, req registry.Request, _ plan.Context) (plan.Outcome, error) {
			if len(req.Answers) == 0 {
				return plan.AskQuestion("what is your waist size?"), nil
			}
			return plan.Completed("hem booked for waist "+req.Answers[0].Text, nil), nil
		},
	})
	p := plan.Plan{Steps: []plan.Step{step("1", "alteration")}}
	mgr := newManager(t, NewMemoryStore(), fixedPlan(p), reg, joinSynth)

	st, err := mgr.Submit(ctx, Signal{TicketID: "T-3", Text: "hem my trousers"})
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingAnswer, st.Phase)

	st, err = mgr.Submit(ctx, Signal{TicketID: "T-3", Text: "32"})
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Inbox)

	reply, _ := st.LastReply()
	assert.Equal(t, "hem booked for waist 32", reply.Text)

	var kinds []TurnKind
	for _, turn := range st.History {
		kinds = append(kinds, turn.Kind)
	}
	assert.Contains(t, kinds, TurnAnswer)
}

func TestManager_InboxQueuesWhileBusy(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 4)
	gate := make(chan struct{})
	var calls atomic.Int32
	p := planFunc(func(ctx context.Context, in planner.Input) (plan.Plan, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-gate
		return plan.Plan{Steps: []plan.Step{step("1", "general_support")}}, nil
	})
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"general_support": func(_ context.Context, req registry.Request, _ plan.Context) (plan.Outcome, error) {
			return plan.Completed("answered: "+req.Message, nil), nil
		},
	})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth)

	first := make(chan *State, 1)
	go func() {
		st, err := mgr.Submit(ctx, Signal{TicketID: "T-4", Text: "first"})
		assert.NoError(t, err)
		first <- st
	}()
	<-entered

	st, err := mgr.Submit(ctx, Signal{TicketID: "T-4", Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, st.Phase)
	assert.Equal(t, []string{"second"}, st.Inbox)

	close(gate)
	final := <-first
	require.NotNil(t, final)
	assert.Equal(t, PhaseIdle, final.Phase)
	assert.Empty(t, final.Inbox)
	assert.Equal(t, int32(2), calls.Load())

	var replies []string
	for _, turn := range final.History {
		if turn.Kind == TurnAgent && turn.Specialist == "" {
			replies = append(replies, turn.Text)
		}
	}
	assert.Equal(t, []string{"answered: first", "answered: second"}, replies)
}

func TestManager_InboxLimit(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	p := planFunc(func(context.Context, planner.Input) (plan.Plan, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return plan.Plan{}, planner.ErrPlanningFailed
	})
	mgr := newManager(t, NewMemoryStore(), p, registry.New(), joinSynth, WithConfig(Config{InboxLimit: 1}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mgr.Submit(ctx, Signal{TicketID: "T-5", Text: "one"})
	}()
	<-entered

	_, err := mgr.Submit(ctx, Signal{TicketID: "T-5", Text: "two"})
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, Signal{TicketID: "T-5", Text: "three"})
	assert.ErrorIs(t, err, ErrInboxFull)

	close(gate)
	<-done
}

func TestManager_FailedTurnsApologise(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"delivery": completed("arrives friday"),
	})

	t.Run("planning", func(t *testing.T) {
		var calls atomic.Int32
		p := planFunc(func(context.Context, planner.Input) (plan.Plan, error) {
			if calls.Add(1) == 1 {
				return plan.Plan{}, planner.ErrPlanningFailed
			}
			return plan.Plan{Steps: []plan.Step{step("1", "delivery")}}, nil
		})
		mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth)

		st, err := mgr.Submit(ctx, Signal{TicketID: "T-6", Text: "when?"})
		require.NoError(t, err)
		assert.Equal(t, PhaseIdle, st.Phase)
		reply, _ := st.LastReply()
		assert.Equal(t, synth.ApologyReply, reply.Text)
		assert.Contains(t, st.History[len(st.History)-2].Text, "planning failed")

		st, err = mgr.Submit(ctx, Signal{TicketID: "T-6", Text: "when is my delivery?"})
		require.NoError(t, err)
		reply, _ = st.LastReply()
		assert.Equal(t, "arrives friday", reply.Text)
	})

	t.Run("synthesis", func(t *testing.T) {
		p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "delivery")}})
		s := synthFunc(func(context.Context, synth.Input) (*synth.Reply, error) {
			return nil, synth.ErrSynthesisFailed
		})
		mgr := newManager(t, NewMemoryStore(), p, reg, s)

		st, err := mgr.Submit(ctx, Signal{TicketID: "T-7", Text: "when?"})
		require.NoError(t, err)
		assert.Equal(t, PhaseIdle, st.Phase)
		assert.Equal(t, StatusInProgress, st.Status)
		reply, _ := st.LastReply()
		assert.Equal(t, synth.ApologyReply, reply.Text)
		assert.Contains(t, st.History[len(st.History)-2].Text, "synthesis failed")
	})
}

func TestManager_EvaluationAfterReply(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"billing": completed("invoice resent"),
	})
	evals := &MockEvaluations{}
	evals.On("Submit", mock.MatchedBy(func(ev tracing.Evaluation) bool {
		return ev.ThreadID == ThreadID("T-8") &&
			ev.TicketID == "T-8" &&
			ev.Input == "resend my invoice" &&
			ev.Output == "invoice resent" &&
			assert.ObjectsAreEqual([]string{"billing: invoice resent"}, ev.RetrievedContext)
	})).Return(true).Once()

	p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "billing")}})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth, WithEvaluations(evals))

	_, err := mgr.Submit(ctx, Signal{TicketID: "T-8", Text: "resend my invoice"})
	require.NoError(t, err)
	evals.AssertExpectations(t)
}

func TestManager_CloseInactive(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"general_support": completed("happy to help"),
	})
	p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "general_support")}})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth, WithClock(clock.Now))

	_, err := mgr.Submit(ctx, Signal{TicketID: "T-old", Text: "hello"})
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)
	_, err = mgr.Submit(ctx, Signal{TicketID: "T-new", Text: "hello"})
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	closed, err := mgr.CloseInactive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"T-old"}, closed)

	st, err := mgr.State(ctx, "T-old")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, st.Status)
	assert.Equal(t, InactivityNotice, st.History[len(st.History)-1].Text)

	_, err = mgr.Submit(ctx, Signal{TicketID: "T-old", Text: "anyone?"})
	assert.ErrorIs(t, err, ErrConversationClosed)

	st, err = mgr.State(ctx, "T-new")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st.Status)
}

func TestManager_ExpireQuestions(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"female_specialist": func(_ context.Context, req registry.Request, _ plan.Context) (plan.Outcome, error) {
			if len(req.Answers) == 0 {
				return plan.AskQuestion("which colour?"), nil
			}
			return plan.Completed("went with navy after: "+req.Answers[0].Text, nil), nil
		},
	})
	p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "female_specialist")}})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth,
		WithClock(clock.Now),
		WithConfig(Config{QuestionTimeout: 30 * time.Second}))

	_, err := mgr.Submit(ctx, Signal{TicketID: "T-9", Text: "find me a dress"})
	require.NoError(t, err)

	expired, err := mgr.ExpireQuestions(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	clock.Advance(31 * time.Second)
	expired, err = mgr.ExpireQuestions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T-9"}, expired)

	st, err := mgr.State(ctx, "T-9")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	reply, _ := st.LastReply()
	assert.Equal(t, "went with navy after: [TIMEOUT: User did not respond within 30 seconds]", reply.Text)
}

func TestManager_Recover(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	p := plan.Plan{Steps: []plan.Step{step("1", "technical_specialist")}}

	var st *State
	for _, ev := range []Event{
		{Type: EventTicketOpened},
		{Type: EventMessageReceived, Text: "the app crashes"},
		{Type: EventTurnStarted},
		{Type: EventPlanCreated, Plan: &p},
	} {
		ev = st.Stamp("T-10", ev, at)
		next, err := st.Apply(ev)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, ev, next))
		st = next
	}

	never := planFunc(func(context.Context, planner.Input) (plan.Plan, error) {
		return plan.Plan{}, errors.New("recovery must not re-plan")
	})
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"technical_specialist": completed("reinstall the app"),
	})
	mgr := newManager(t, store, never, reg, joinSynth)

	resumed, err := mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	st, err = mgr.State(ctx, "T-10")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	reply, _ := st.LastReply()
	assert.Equal(t, "reinstall the app", reply.Text)
}

func TestManager_CloseStopsTurn(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"escalation_manager": func(ctx context.Context, _ registry.Request, _ plan.Context) (plan.Outcome, error) {
			close(started)
			<-ctx.Done()
			return plan.Outcome{}, ctx.Err()
		},
	})
	p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "escalation_manager")}})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth)

	result := make(chan *State, 1)
	go func() {
		st, err := mgr.Submit(ctx, Signal{TicketID: "T-11", Text: "I want a manager"})
		assert.NoError(t, err)
		result <- st
	}()
	<-started

	_, err := mgr.Close(ctx, "T-11", StatusResolved, "")
	require.NoError(t, err)

	st := <-result
	require.NotNil(t, st)
	assert.Equal(t, StatusResolved, st.Status)
	assert.Nil(t, st.Active)
}

func TestManager_CancelStep(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	reg := newRegistry(t, map[plan.SpecialistID]registry.CapabilityFunc{
		"delivery": func(ctx context.Context, _ registry.Request, _ plan.Context) (plan.Outcome, error) {
			close(started)
			<-ctx.Done()
			cancelled <- ctx.Err()
			return plan.Outcome{}, ctx.Err()
		},
		"billing": completed("refund issued"),
	})
	p := fixedPlan(plan.Plan{Steps: []plan.Step{step("1", "delivery"), step("2", "billing")}})
	mgr := newManager(t, NewMemoryStore(), p, reg, joinSynth)

	_, err := mgr.Cancel(ctx, "T-12", "1")
	require.ErrorIs(t, err, ErrNotFound)

	result := make(chan *State, 1)
	go func() {
		st, err := mgr.Submit(ctx, Signal{TicketID: "T-12", Text: "late parcel and a double charge"})
		assert.NoError(t, err)
		result <- st
	}()
	<-started

	ok, err := mgr.Cancel(ctx, "T-12", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.ErrorIs(t, <-cancelled, context.Canceled)

	st := <-result
	require.NotNil(t, st)
	assert.Equal(t, PhaseIdle, st.Phase)
	reply, found := st.LastReply()
	require.True(t, found)
	assert.Equal(t, "refund issued", reply.Text)

	ok, err = mgr.Cancel(ctx, "T-12", "1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing is running once the turn is over")
}
