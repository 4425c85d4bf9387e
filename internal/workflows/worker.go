package workflows

import (
	"go.temporal.io/sdk/workflow"
)

// Registrar is the part of worker.Worker that Register uses. The test
// workflow environment implements it too.
type Registrar interface {
	RegisterWorkflow(w interface{})
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivity(a interface{})
}

// Register adds the ticket and maintenance workflows and their activities to
// a worker.
func Register(w Registrar, activities *Activities) {
	w.RegisterWorkflowWithOptions(TicketWorkflow, workflow.RegisterOptions{Name: TicketWorkflowName})
	w.RegisterWorkflow(AutoCloseWorkflow)
	w.RegisterActivity(activities)
}
