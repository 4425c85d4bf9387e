package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/eventlog"
	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// appendAll applies and stores events for a ticket, returning the final state.
func appendAll(t *testing.T, store *eventlog.Store, ticketID string, at time.Time, events ...conversation.Event) *conversation.State {
	t.Helper()
	ctx := context.Background()
	var st *conversation.State
	if existing, err := store.Snapshot(ctx, ticketID); err == nil {
		st = existing
	}
	for _, ev := range events {
		ev = st.Stamp(ticketID, ev, at)
		next, err := st.Apply(ev)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, ev, next))
		st = next
	}
	return st
}

func TestStore_AppendAndRead(t *testing.T) {
	_, client := newRedis(t)
	store := eventlog.New(client, eventlog.WithPrefix("test:"))
	ctx := context.Background()
	at := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	live := appendAll(t, store, "T-1", at,
		conversation.Event{Type: conversation.EventTicketOpened, Opened: &conversation.Opened{CustomerID: "C-1"}},
		conversation.Event{Type: conversation.EventMessageReceived, Text: "where is my parcel?"},
	)

	events, err := store.Events(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, conversation.EventMessageReceived, events[1].Type)
	assert.Equal(t, "T-1/2", events[1].ID)

	snap, err := store.Snapshot(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, live.Version, snap.Version)
	assert.Equal(t, []string{"where is my parcel?"}, snap.Inbox)

	replayed, err := conversation.Replay(events)
	require.NoError(t, err)
	assert.Equal(t, snap.Inbox, replayed.Inbox)
	assert.Equal(t, snap.ThreadID, replayed.ThreadID)

	ids, err := store.Tickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T-1"}, ids)
}

func TestStore_RejectsOutOfOrder(t *testing.T) {
	_, client := newRedis(t)
	store := eventlog.New(client)
	ctx := context.Background()
	at := time.Now()

	st := appendAll(t, store, "T-2", at, conversation.Event{Type: conversation.EventTicketOpened})

	ev := st.Stamp("T-2", conversation.Event{Type: conversation.EventMessageReceived, Text: "hi"}, at)
	next, err := st.Apply(ev)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, ev, next))

	// A second writer working from the stale state loses.
	err = store.Append(ctx, ev, next)
	assert.ErrorIs(t, err, conversation.ErrOutOfOrder)

	events, err := store.Events(ctx, "T-2")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_NotFound(t *testing.T) {
	_, client := newRedis(t)
	store := eventlog.New(client)
	ctx := context.Background()

	_, err := store.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = store.Events(ctx, "missing")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestStore_Inactive(t *testing.T) {
	_, client := newRedis(t)
	store := eventlog.New(client)
	ctx := context.Background()
	t0 := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	appendAll(t, store, "old", t0, conversation.Event{Type: conversation.EventTicketOpened})
	appendAll(t, store, "recent", t0.Add(2*time.Hour), conversation.Event{Type: conversation.EventTicketOpened})
	appendAll(t, store, "done", t0,
		conversation.Event{Type: conversation.EventTicketOpened},
		conversation.Event{Type: conversation.EventTicketClosed},
	)

	ids, err := store.Inactive(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestLocker_LockUnlock(t *testing.T) {
	mr, client := newRedis(t)
	locker := eventlog.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "T-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:T-1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:T-1"))
}

func TestLocker_Contention(t *testing.T) {
	_, client := newRedis(t)
	first := eventlog.NewLocker(client, "test:")
	second := eventlog.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = second.Lock(short, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	unlock2, err := second.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	mr, client := newRedis(t)
	locker := eventlog.NewLocker(client, "test:")
	ctx := context.Background()

	unlockOld, err := locker.Lock(ctx, "T-9", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlockNew, err := locker.Lock(ctx, "T-9", 5*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, unlockOld(ctx), eventlog.ErrLockLost)
	assert.True(t, mr.Exists("test:lock:T-9"))
	require.NoError(t, unlockNew(ctx))
}

func TestLocker_TryLease(t *testing.T) {
	mr, client := newRedis(t)
	first := eventlog.NewLocker(client, "test:")
	second := eventlog.NewLocker(client, "test:")
	ctx := context.Background()

	lease, ok, err := first.TryLease(ctx, "driver:T-1", 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:driver:T-1"))

	_, ok, err = second.TryLease(ctx, "driver:T-1", 3*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease is not granted twice")

	mr.FastForward(2 * time.Second)
	require.NoError(t, lease.Renew(ctx, 3*time.Second))
	mr.FastForward(2 * time.Second)
	assert.True(t, mr.Exists("test:lock:driver:T-1"), "renewal extends the lease")

	require.NoError(t, lease.Release(ctx))
	other, ok, err := second.TryLease(ctx, "driver:T-1", 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other.Release(ctx))
}

func TestLocker_ExpiredLeaseIsLost(t *testing.T) {
	mr, client := newRedis(t)
	locker := eventlog.NewLocker(client, "test:")
	ctx := context.Background()

	old, ok, err := locker.TryLease(ctx, "driver:T-2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	current, ok, err := locker.TryLease(ctx, "driver:T-2", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, old.Renew(ctx, time.Second), conversation.ErrLeaseLost)
	assert.ErrorIs(t, old.Release(ctx), conversation.ErrLeaseLost)
	assert.True(t, mr.Exists("test:lock:driver:T-2"))
	require.NoError(t, current.Release(ctx))
}

type planFunc func(ctx context.Context, in planner.Input) (plan.Plan, error)

func (f planFunc) Plan(ctx context.Context, in planner.Input) (plan.Plan, error) { return f(ctx, in) }

type synthFunc func(ctx context.Context, in synth.Input) (*synth.Reply, error)

func (f synthFunc) Synthesize(ctx context.Context, in synth.Input) (*synth.Reply, error) {
	return f(ctx, in)
}

func TestManagerOnRedis(t *testing.T) {
	_, client := newRedis(t)
	store := eventlog.New(client)
	ctx := context.Background()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{ID: "delivery"},
		registry.CapabilityFunc(func(_ context.Context, req registry.Request, _ plan.Context) (plan.Outcome, error) {
			if len(req.Answers) == 0 {
				return plan.AskQuestion("which address?"), nil
			}
			return plan.Completed("rerouted to "+req.Answers[0].Text, nil), nil
		})))

	p := planFunc(func(context.Context, planner.Input) (plan.Plan, error) {
		return plan.Plan{Steps: []plan.Step{{ID: "1", Specialist: "delivery"}}}, nil
	})
	s := synthFunc(func(_ context.Context, in synth.Input) (*synth.Reply, error) {
		return &synth.Reply{Text: in.Results[0].Response}, nil
	})
	locker := eventlog.NewLocker(client, "")
	mgr := conversation.NewManager(store, p, executor.New(reg, nil, executor.Config{}), s,
		conversation.WithLocker(locker), conversation.WithLeaser(locker))

	st, err := mgr.Submit(ctx, conversation.Signal{TicketID: "T-r", Text: "send it elsewhere"})
	require.NoError(t, err)
	require.Equal(t, conversation.PhaseAwaitingAnswer, st.Phase)
	assert.Empty(t, client.Keys(ctx, "concierge:lock:*").Val(), "the driver lease is released once the ticket is dormant")

	// A fresh manager over the same log picks up where the first left off.
	other := conversation.NewManager(store, p, executor.New(reg, nil, executor.Config{}), s)
	st, err = other.Answer(ctx, "T-r", "1", "12 High Street")
	require.NoError(t, err)
	assert.Equal(t, conversation.PhaseIdle, st.Phase)
	reply, ok := st.LastReply()
	require.True(t, ok)
	assert.Equal(t, "rerouted to 12 High Street", reply.Text)

	replayed, err := other.Replay(ctx, "T-r")
	require.NoError(t, err)
	assert.Equal(t, st.Version, replayed.Version)
	assert.Equal(t, st.History, replayed.History)
}
