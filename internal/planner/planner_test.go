package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

// MockReasoner is a mock implementation of reasoning.Reasoner
type MockReasoner struct {
	mock.Mock
}

func (m *MockReasoner) Reason(ctx context.Context, task reasoning.Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

func catalog(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Default(&MockReasoner{})
	require.NoError(t, err)
	return r
}

func ids(p plan.Plan) []plan.StepID {
	var out []plan.StepID
	for _, s := range p.Steps {
		out = append(out, s.ID)
	}
	return out
}

func TestPlanner_Plan_Success(t *testing.T) {
	m := &MockReasoner{}
	m.On("Reason", mock.Anything, mock.MatchedBy(func(task reasoning.Task) bool {
		return task.Name == "planner"
	})).Return(`{
		"strategy": "Sequential",
		"reasoning": "purchase flow",
		"steps": [
			{"id": 1, "specialist": "male_specialist", "depends_on": [], "reason": "measure"},
			{"id": 2, "specialist": "billing", "depends_on": [1]},
			{"id": "step_3", "specialist": "delivery", "depends_on": ["2"]}
		]
	}`, nil).Once()

	p := New(m, catalog(t))
	pl, err := p.Plan(context.Background(), Input{TicketID: "T-1", Message: "I want to buy a suit"})
	require.NoError(t, err)

	assert.Equal(t, []plan.StepID{"1", "2", "3"}, ids(pl))
	assert.Equal(t, plan.StrategySequential, pl.Strategy)
	assert.Equal(t, []plan.StepID{"2"}, pl.Steps[2].DependsOn)
	assert.Equal(t, "measure", pl.Steps[0].Reason)
	m.AssertExpectations(t)
}

func TestPlanner_Plan_PromptListsSpecialists(t *testing.T) {
	m := &MockReasoner{}
	m.On("Reason", mock.Anything, mock.MatchedBy(func(task reasoning.Task) bool {
		return assert.Contains(t, task.System, "alteration: Handle hemming") &&
			assert.Contains(t, task.System, "needs: measurements, garment") &&
			assert.Contains(t, task.Prompt, "hem my trousers")
	})).Return(`{"steps":[{"id":1,"specialist":"alteration"}]}`, nil)

	_, err := New(m, catalog(t)).Plan(context.Background(), Input{Message: "hem my trousers"})
	require.NoError(t, err)
}

func TestPlanner_Plan_RetriesOnceThenSucceeds(t *testing.T) {
	m := &MockReasoner{}
	m.On("Reason", mock.Anything, mock.Anything).Return(`{"steps":[{"id":1,"specialist":"billing","depends_on":[1]}]}`, nil).Once()
	m.On("Reason", mock.Anything, mock.Anything).Return(`{"steps":[{"id":1,"specialist":"billing"}]}`, nil).Once()

	sink := tracing.NewMemorySink()
	p := New(m, catalog(t), WithObserver(tracing.NewObserver(sink, nil)))

	ctx := correlation.WithThread(context.Background(), "thread-9")
	pl, err := p.Plan(ctx, Input{Message: "invoice please"})
	require.NoError(t, err)
	assert.Equal(t, []plan.StepID{"1"}, ids(pl))

	units := sink.UnitsByKind(tracing.KindPlanner)
	require.Len(t, units, 2)
	assert.Contains(t, units[0].Error, "cycle")
	assert.Empty(t, units[1].Error)
	assert.Equal(t, "thread-9", units[1].ThreadID)
	m.AssertNumberOfCalls(t, "Reason", 2)
}

func TestPlanner_Plan_FailsAfterTwoAttempts(t *testing.T) {
	m := &MockReasoner{}
	m.On("Reason", mock.Anything, mock.Anything).Return("not json at all", nil)

	_, err := New(m, catalog(t)).Plan(context.Background(), Input{Message: "hello"})
	require.ErrorIs(t, err, ErrPlanningFailed)
	require.ErrorIs(t, err, reasoning.ErrMalformedOutput)
	m.AssertNumberOfCalls(t, "Reason", 2)
}

func TestPlanner_Plan_ReasonerErrorCountsAsAttempt(t *testing.T) {
	m := &MockReasoner{}
	m.On("Reason", mock.Anything, mock.Anything).Return("", errors.New("quota exceeded"))

	_, err := New(m, catalog(t), WithAttempts(3)).Plan(context.Background(), Input{Message: "hello"})
	require.ErrorIs(t, err, ErrPlanningFailed)
	assert.Contains(t, err.Error(), "quota exceeded")
	m.AssertNumberOfCalls(t, "Reason", 3)
}

func TestRepair(t *testing.T) {
	cat := catalog(t)

	t.Run("drops unknown specialist and its edges", func(t *testing.T) {
		pl, dropped, err := repair(proposal{Steps: []proposedStep{
			{ID: "1", Specialist: "order_specialist"},
			{ID: "2", Specialist: "astrologer"},
			{ID: "3", Specialist: "refund_specialist", DependsOn: []flexID{"1", "2"}},
		}}, cat)
		require.NoError(t, err)
		assert.Equal(t, []string{"astrologer"}, dropped)
		assert.Equal(t, []plan.StepID{"1", "3"}, ids(pl))
		assert.Equal(t, []plan.StepID{"1"}, pl.Steps[1].DependsOn)
		require.NoError(t, pl.Validate())
	})

	t.Run("fails when every remaining step is orphaned", func(t *testing.T) {
		_, _, err := repair(proposal{Steps: []proposedStep{
			{ID: "1", Specialist: "astrologer"},
			{ID: "2", Specialist: "billing", DependsOn: []flexID{"1"}},
			{ID: "3", Specialist: "delivery", DependsOn: []flexID{"1"}},
		}}, cat)
		require.ErrorIs(t, err, ErrNoUsableSteps)
	})

	t.Run("fails when nothing is known", func(t *testing.T) {
		_, dropped, err := repair(proposal{Steps: []proposedStep{{ID: "1", Specialist: "astrologer"}}}, cat)
		require.ErrorIs(t, err, ErrNoUsableSteps)
		assert.Equal(t, []string{"astrologer"}, dropped)
	})

	t.Run("keeps dangling ids for validation", func(t *testing.T) {
		pl, _, err := repair(proposal{Steps: []proposedStep{
			{ID: "1", Specialist: "billing", DependsOn: []flexID{"7"}},
		}}, cat)
		require.NoError(t, err)
		require.ErrorIs(t, pl.Validate(), plan.ErrUnknownStep)
	})

	t.Run("unknown strategy defaults to parallel", func(t *testing.T) {
		pl, _, err := repair(proposal{Strategy: "whatever", Steps: []proposedStep{{ID: "1", Specialist: "billing"}}}, cat)
		require.NoError(t, err)
		assert.Equal(t, plan.StrategyParallel, pl.Strategy)
	})
}

func TestFlexID(t *testing.T) {
	var p proposedStep
	require.NoError(t, json.Unmarshal([]byte(`{"id": 2.0, "depends_on": ["step_1", 3]}`), &p))
	assert.Equal(t, flexID("2"), p.ID)
	assert.Equal(t, []flexID{"1", "3"}, p.DependsOn)

	require.Error(t, json.Unmarshal([]byte(`{"id": true}`), &p))
}
