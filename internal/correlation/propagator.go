package correlation

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/workflow"
)

// HeaderKey is the Temporal header that carries the thread binding.
const HeaderKey = "concierge-thread-id"

// WithWorkflowThread binds threadID to a workflow context.
func WithWorkflowThread(ctx workflow.Context, threadID string) workflow.Context {
	if threadID == "" {
		return ctx
	}
	return workflow.WithValue(ctx, threadCtxKey{}, threadID)
}

// WorkflowThreadID returns the thread bound to a workflow context, if any.
func WorkflowThreadID(ctx workflow.Context) (string, bool) {
	return lookup(ctx, threadCtxKey{})
}

// Propagator carries the thread binding across Temporal client, workflow and
// activity boundaries, whichever worker process picks the task up.
type Propagator struct {
	dc converter.DataConverter
}

var _ workflow.ContextPropagator = (*Propagator)(nil)

// NewPropagator creates a Propagator using the default data converter.
func NewPropagator() *Propagator {
	return &Propagator{dc: converter.GetDefaultDataConverter()}
}

// Inject writes the binding of a Go context into outgoing headers.
func (p *Propagator) Inject(ctx context.Context, writer workflow.HeaderWriter) error {
	id, ok := ThreadID(ctx)
	if !ok {
		return nil
	}
	return p.write(id, writer)
}

// InjectFromWorkflow writes the binding of a workflow context into outgoing headers.
func (p *Propagator) InjectFromWorkflow(ctx workflow.Context, writer workflow.HeaderWriter) error {
	id, ok := WorkflowThreadID(ctx)
	if !ok {
		return nil
	}
	return p.write(id, writer)
}

// Extract binds the thread from incoming headers to a Go context.
func (p *Propagator) Extract(ctx context.Context, reader workflow.HeaderReader) (context.Context, error) {
	id, err := p.read(reader)
	if err != nil {
		return ctx, err
	}
	return WithThread(ctx, id), nil
}

// ExtractToWorkflow binds the thread from incoming headers to a workflow context.
func (p *Propagator) ExtractToWorkflow(ctx workflow.Context, reader workflow.HeaderReader) (workflow.Context, error) {
	id, err := p.read(reader)
	if err != nil {
		return ctx, err
	}
	return WithWorkflowThread(ctx, id), nil
}

func (p *Propagator) write(id string, writer workflow.HeaderWriter) error {
	payload, err := p.dc.ToPayload(id)
	if err != nil {
		return fmt.Errorf("encode thread header: %w", err)
	}
	writer.Set(HeaderKey, payload)
	return nil
}

func (p *Propagator) read(reader workflow.HeaderReader) (string, error) {
	payload, ok := reader.Get(HeaderKey)
	if !ok {
		return "", nil
	}
	var id string
	if err := p.dc.FromPayload(payload, &id); err != nil {
		return "", fmt.Errorf("decode thread header: %w", err)
	}
	return id, nil
}
