package tracing

import (
	"context"
	"sync"
)

// Sink receives units of work and evaluations.
type Sink interface {
	RecordUnit(ctx context.Context, u Unit) error
	SubmitEvaluation(ctx context.Context, e Evaluation) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordUnit(context.Context, Unit) error             { return nil }
func (NopSink) SubmitEvaluation(context.Context, Evaluation) error { return nil }

// MemorySink keeps everything in memory. It is safe for concurrent use.
type MemorySink struct {
	mu          sync.Mutex
	units       []Unit
	evaluations []Evaluation
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) RecordUnit(_ context.Context, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, u)
	return nil
}

func (m *MemorySink) SubmitEvaluation(_ context.Context, e Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations = append(m.evaluations, e)
	return nil
}

// Units returns a copy of the recorded units.
func (m *MemorySink) Units() []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Unit(nil), m.units...)
}

// UnitsByKind returns the recorded units of kind k.
func (m *MemorySink) UnitsByKind(k Kind) []Unit {
	var out []Unit
	for _, u := range m.Units() {
		if u.Kind == k {
			out = append(out, u)
		}
	}
	return out
}

// Evaluations returns a copy of the submitted evaluations.
func (m *MemorySink) Evaluations() []Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Evaluation(nil), m.evaluations...)
}
