package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/synth"
)

// Application error types for failures that retrying cannot fix.
const (
	ErrTypePlanningFailed  = "PlanningFailed"
	ErrTypeSynthesisFailed = "SynthesisFailed"
)

// ErrorSeverity grades a workflow error.
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the workflow.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded on the ticket; the workflow continues.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is only logged.
	ErrorSeverityLow ErrorSeverity = "low"
)

// WorkflowError is a structured workflow failure.
type WorkflowError struct {
	Operation string
	Severity  ErrorSeverity
	Err       error
	Context   string
}

func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a workflow error.
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// nonRetryable marks taxonomy errors so the Temporal retry policy leaves them
// alone. The planner already retries internally.
func nonRetryable(err error) error {
	switch {
	case errors.Is(err, planner.ErrPlanningFailed):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePlanningFailed, err)
	case errors.Is(err, synth.ErrSynthesisFailed):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeSynthesisFailed, err)
	}
	return err
}

// failureText is the text recorded on the ticket for a failed activity. It
// prefers the application error message over the activity wrapper.
func failureText(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}

// ingressError maps errors of a ticket query or signal onto the conversation
// taxonomy.
func ingressError(ticketID string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: %q", conversation.ErrNotFound, ticketID)
	}
	return err
}
