package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/concierge/internal/workflows"

var (
	ticketEventCounter   metric.Int64Counter
	ticketTurnCounter    metric.Int64Counter
	continueAsNewCounter metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	autoClosedCounter    metric.Int64Counter
)

// initMetrics creates the workflow instruments on the global meter provider.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	ticketEventCounter, err = meter.Int64Counter(
		"concierge.workflows.ticket.events",
		metric.WithDescription("Events applied by ticket workflows"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create ticket event counter: %v", err))
	}

	ticketTurnCounter, err = meter.Int64Counter(
		"concierge.workflows.ticket.turns",
		metric.WithDescription("Ticket turns by result"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create ticket turn counter: %v", err))
	}

	continueAsNewCounter, err = meter.Int64Counter(
		"concierge.workflows.ticket.continue_as_new",
		metric.WithDescription("Ticket workflow runs continued as new"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create continue-as-new counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"concierge.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"concierge.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	autoClosedCounter, err = meter.Int64Counter(
		"concierge.workflows.autoclose.closed",
		metric.WithDescription("Tickets closed for inactivity"),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create auto-close counter: %v", err))
	}
}

func init() {
	initMetrics()
}

// countWorkflow adds to a counter from workflow code, skipping replays.
func countWorkflow(ctx workflow.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if workflow.IsReplaying(ctx) {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// observeActivity records the duration and outcome of an activity.
func observeActivity(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
