package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/telemetry"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestObserve_RecordsUnitAndSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	sink := NewMemorySink()
	obs := NewObserver(sink, tel.Tracer("test"))

	ctx := correlation.WithStep(correlation.WithThread(context.Background(), "thread-1"), "2")
	out, err := Observe(ctx, obs, "specialist.billing", KindSpecialist, map[string]string{"q": "price"},
		func(ctx context.Context) (string, error) {
			id, ok := correlation.ThreadID(ctx)
			require.True(t, ok)
			assert.Equal(t, "thread-1", id)
			return "42 EUR", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "42 EUR", out)

	units := sink.Units()
	require.Len(t, units, 1)
	u := units[0]
	assert.Equal(t, "thread-1", u.ThreadID)
	assert.Equal(t, "2", u.StepID)
	assert.Equal(t, KindSpecialist, u.Kind)
	assert.JSONEq(t, `{"q":"price"}`, string(u.Input))
	assert.JSONEq(t, `"42 EUR"`, string(u.Output))
	assert.Empty(t, u.Error)

	tel.AssertSpanExists(t, "specialist.billing")
	span := tel.SpansByName("specialist.billing")[0]
	thread, ok := telemetry.SpanAttribute(span, correlation.AttrThreadID)
	require.True(t, ok)
	assert.Equal(t, "thread-1", thread)
}

func TestObserve_RecordsFailure(t *testing.T) {
	sink := NewMemorySink()
	obs := NewObserver(sink, nil)

	_, err := Observe(context.Background(), obs, "planner", KindPlanner, "msg",
		func(context.Context) (int, error) { return 0, errors.New("model down") })
	require.EqualError(t, err, "model down")

	units := sink.UnitsByKind(KindPlanner)
	require.Len(t, units, 1)
	assert.Equal(t, "model down", units[0].Error)
	assert.Empty(t, units[0].ThreadID)
	assert.Nil(t, units[0].Output)
}

type failingSink struct{ NopSink }

func (failingSink) RecordUnit(context.Context, Unit) error { return errors.New("sink down") }

func TestObserve_SinkFailureIsLogged(t *testing.T) {
	logger := logging.NewTestLogger()
	ctx := logging.WithLogger(context.Background(), logger.Logger)

	out, err := Observe(ctx, NewObserver(failingSink{}, nil), "synth", KindSynthesizer, nil,
		func(context.Context) (string, error) { return "reply", nil })
	require.NoError(t, err)
	assert.Equal(t, "reply", out)
	logger.AssertLogged(t, zapcore.WarnLevel, "failed to record unit")
}

func TestObserve_SiblingBindingsDoNotLeak(t *testing.T) {
	sink := NewMemorySink()
	obs := NewObserver(sink, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, thread := range []string{"thread-a", "thread-b"} {
		for _, step := range []string{"1", "2"} {
			wg.Add(1)
			go func(thread, step string) {
				defer wg.Done()
				_ = correlation.Run(context.Background(), thread, func(ctx context.Context) error {
					ctx = correlation.WithStep(ctx, step)
					<-start
					_, err := Observe(ctx, obs, thread+"/"+step, KindSpecialist, nil,
						func(ctx context.Context) (string, error) {
							id, _ := correlation.ThreadID(ctx)
							return id, nil
						})
					return err
				})
			}(thread, step)
		}
	}
	close(start)
	wg.Wait()

	units := sink.Units()
	require.Len(t, units, 4)
	for _, u := range units {
		var seen string
		require.NoError(t, json.Unmarshal(u.Output, &seen))
		assert.Equal(t, u.ThreadID, seen)
		assert.Equal(t, u.ThreadID+"/"+u.StepID, u.Name)
	}
}

func TestNATSSink_Publishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sink := NewNATSSink(nc, "")
	assert.Equal(t, "concierge.units.a_b", sink.UnitSubject("a.b"))
	assert.Equal(t, "concierge.evaluations.unbound", sink.EvaluationSubject(""))

	units, err := nc.SubscribeSync("concierge.units.>")
	require.NoError(t, err)
	evals, err := nc.SubscribeSync("concierge.evaluations.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, sink.RecordUnit(context.Background(), Unit{ThreadID: "t1", Name: "planner", Kind: KindPlanner}))
	require.NoError(t, sink.SubmitEvaluation(context.Background(), Evaluation{ThreadID: "t1", TicketID: "T-1", Output: "hi"}))

	msg, err := units.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "concierge.units.t1", msg.Subject)
	var u Unit
	require.NoError(t, json.Unmarshal(msg.Data, &u))
	assert.Equal(t, "planner", u.Name)

	msg, err = evals.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev Evaluation
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "T-1", ev.TicketID)
}

// blockingSink holds every evaluation until released.
type blockingSink struct {
	NopSink
	release chan struct{}
	mu      sync.Mutex
	got     []Evaluation
}

func (b *blockingSink) SubmitEvaluation(_ context.Context, e Evaluation) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, e)
	return nil
}

func TestEvaluator_SubmitNeverBlocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &blockingSink{release: make(chan struct{})}
	e := NewEvaluator(sink, 1, logging.NewNop())

	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if e.Submit(Evaluation{ThreadID: "t"}) {
				accepted++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a slow sink")
	}
	assert.GreaterOrEqual(t, accepted, 1)
	assert.Less(t, accepted, 10)

	close(sink.release)
	require.NoError(t, e.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, accepted)
}

func TestEvaluator_CloseDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := NewMemorySink()
	e := NewEvaluator(sink, 16, nil)
	for i := 0; i < 5; i++ {
		require.True(t, e.Submit(Evaluation{ThreadID: "t", Input: "hi"}))
	}
	require.NoError(t, e.Close(context.Background()))
	assert.Len(t, sink.Evaluations(), 5)

	assert.False(t, e.Submit(Evaluation{ThreadID: "t"}))
	require.ErrorIs(t, e.Close(context.Background()), ErrEvaluatorClosed)
}
