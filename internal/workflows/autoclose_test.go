package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
)

// fakeTickets serves ticket states from a map and records closes.
type fakeTickets struct {
	states   map[string]*conversation.State
	queryErr map[string]error
	closed   map[string]string
}

func (f *fakeTickets) Open(context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.states)+len(f.queryErr))
	for _, id := range []string{"active", "broken", "done", "stale"} {
		if _, ok := f.states[id]; ok {
			ids = append(ids, id)
		} else if _, ok := f.queryErr[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeTickets) State(_ context.Context, id string) (*conversation.State, error) {
	if err, ok := f.queryErr[id]; ok {
		return nil, err
	}
	return f.states[id], nil
}

func (f *fakeTickets) Close(_ context.Context, id string, status conversation.Status, notice string) (*conversation.State, error) {
	if f.closed == nil {
		f.closed = make(map[string]string)
	}
	f.closed[id] = notice
	st := f.states[id].Clone()
	st.Status = status
	return st, nil
}

func TestCloseInactiveTickets(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tickets := &fakeTickets{
		states: map[string]*conversation.State{
			"active": {TicketID: "active", Status: conversation.StatusOpen, UpdatedAt: now.Add(-time.Minute)},
			"stale":  {TicketID: "stale", Status: conversation.StatusOpen, UpdatedAt: now.Add(-2 * time.Hour)},
			"done":   {TicketID: "done", Status: conversation.StatusResolved, UpdatedAt: now.Add(-2 * time.Hour)},
		},
		queryErr: map[string]error{"broken": errors.New("query timed out")},
	}
	a := &Activities{Tickets: tickets, Now: func() time.Time { return now }}

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.CloseInactiveTickets, AutoCloseInput{InactivityWindow: time.Hour})
	require.NoError(t, err)
	var res AutoCloseResult
	require.NoError(t, val.Get(&res))

	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, []string{"stale"}, res.Closed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "broken")
	assert.Equal(t, map[string]string{"stale": conversation.InactivityNotice}, tickets.closed)
}

func TestAutoCloseWorkflow(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	Register(env, &Activities{})

	env.OnActivity(acts.CloseInactiveTickets, mock.Anything, AutoCloseInput{InactivityWindow: 24 * time.Hour}).
		Return(&AutoCloseResult{Checked: 3, Closed: []string{"T-9"}}, nil)

	env.ExecuteWorkflow(AutoCloseWorkflow, AutoCloseInput{InactivityWindow: 24 * time.Hour})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var res AutoCloseResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, []string{"T-9"}, res.Closed)
}

func TestAutoCloseWorkflow_InvalidWindow(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	Register(env, &Activities{})

	env.ExecuteWorkflow(AutoCloseWorkflow, AutoCloseInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Contains(t, env.GetWorkflowError().Error(), "inactivity window must be positive")
}
