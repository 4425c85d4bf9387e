package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Auto-close schedule defaults.
const (
	AutoCloseScheduleID = "concierge-auto-close-schedule"
	AutoCloseWorkflowID = "concierge-auto-close"
)

// AutoCloseWorkflow runs one inactivity sweep. It is started by a schedule;
// overlapping runs are skipped.
func AutoCloseWorkflow(ctx workflow.Context, in AutoCloseInput) (*AutoCloseResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting inactivity sweep", "window", in.InactivityWindow)

	if in.InactivityWindow <= 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("inactivity window must be positive, got %s", in.InactivityWindow), "InvalidInput", nil)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	var res AutoCloseResult
	if err := workflow.ExecuteActivity(ctx, acts.CloseInactiveTickets, in).Get(ctx, &res); err != nil {
		return nil, NewWorkflowError("close inactive tickets", ErrorSeverityCritical, err, "")
	}

	logger.Info("Inactivity sweep complete",
		"checked", res.Checked,
		"closed", len(res.Closed),
		"errors", len(res.Errors))
	return &res, nil
}
