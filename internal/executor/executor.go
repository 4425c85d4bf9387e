// Package executor runs a plan stage by stage.
//
// Each stage is the set of steps whose dependencies completed in earlier stages.
// Steps of a stage run concurrently, bounded by MaxParallel, each under its own
// correlation binding and timeout. Failures are contained: a failed step only
// blocks the steps that depend on it. A step that asks the customer a question
// suspends the whole plan; Execute returns and is called again with the same
// progress once the answer has been recorded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

// Default configuration values.
const (
	DefaultMaxParallel = 4
	DefaultStepTimeout = 2 * time.Minute
)

// ErrStepCancelled is the cancellation cause for an explicit Cancel.
var ErrStepCancelled = errors.New("step cancelled")

// Resolver finds the capability for a specialist.
type Resolver interface {
	Resolve(id plan.SpecialistID) (registry.Capability, error)
}

// StageReport describes one resolved stage.
type StageReport struct {
	Stage int `json:"stage"`
	// Outputs are the outputs recorded for the stage, upstream failures included.
	Outputs   []plan.StepOutput `json:"outputs"`
	Suspended bool              `json:"suspended"`
}

// Recorder persists stage reports. Execute does not start the next stage until
// StageCompleted returns, and stops if it fails.
type Recorder interface {
	StageCompleted(ctx context.Context, report StageReport) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, report StageReport) error

// StageCompleted calls f.
func (f RecorderFunc) StageCompleted(ctx context.Context, report StageReport) error {
	return f(ctx, report)
}

// Result is the state of the plan when Execute returns.
type Result struct {
	Progress  *plan.Progress
	Suspended bool
	// Question is the pending question when Suspended.
	Question plan.StepOutput
	// Stages counts the stages resolved by this call.
	Stages int
}

// Config tunes an Executor.
type Config struct {
	MaxParallel int
	StepTimeout time.Duration
}

// Executor runs plans against a resolver.
type Executor struct {
	resolver Resolver
	observer *tracing.Observer
	cfg      Config
	metrics  *Metrics

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates an executor. Zero config values fall back to defaults.
func New(resolver Resolver, observer *tracing.Observer, cfg Config) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Executor{
		resolver: resolver,
		observer: observer,
		cfg:      cfg,
		metrics:  NewMetrics(),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// Execute runs ready stages of p until the plan is done or suspended. p is
// modified in place. The thread bound to ctx is propagated to every step.
//
// If ctx ends mid-stage the stage is discarded and ctx's error returned; p still
// reflects the last recorded stage, so execution can resume from it.
func (e *Executor) Execute(ctx context.Context, req registry.Request, p *plan.Progress, rec Recorder) (*Result, error) {
	logger := logging.FromContext(ctx)
	res := &Result{Progress: p}

	for {
		if q, ok := p.Pending(); ok {
			res.Suspended = true
			res.Question = q
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		stage := p.Stage
		blocked := p.Blocked()
		ready := p.Ready()
		if len(ready) == 0 && len(blocked) == 0 {
			if p.Done() {
				return res, nil
			}
			return res, fmt.Errorf("%w: stage %d has no ready steps", plan.ErrUnschedulablePlan, stage)
		}

		var outputs []plan.StepOutput
		if len(ready) > 0 {
			logger.Debug(ctx, "executing stage",
				zap.Int("stage", stage),
				zap.Int("steps", len(ready)))
			e.metrics.StageWidth.Observe(float64(len(ready)))

			outputs = e.runStage(ctx, req, p, stage, ready)
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		recorded, err := p.Record(stage, append(blocked, outputs...))
		if err != nil {
			return res, fmt.Errorf("record stage %d: %w", stage, err)
		}
		res.Stages++

		report := StageReport{Stage: stage, Outputs: recorded, Suspended: p.Suspended()}
		if rec != nil {
			if err := rec.StageCompleted(ctx, report); err != nil {
				return res, fmt.Errorf("persist stage %d: %w", stage, err)
			}
		}
	}
}

func (e *Executor) runStage(ctx context.Context, req registry.Request, p *plan.Progress, stage int, ready []plan.Step) []plan.StepOutput {
	outputs := make([]plan.StepOutput, len(ready))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, step := range ready {
		stepReq := req.ForStep(step, p.Answers[step.ID])
		pc := p.Context.Clone()
		g.Go(func() error {
			outputs[i] = e.InvokeStep(ctx, stepReq, step, stage, pc)
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

// InvokeStep runs one step and converts whatever happens into its output. It
// never returns an error: resolution failures, capability errors, panics,
// timeouts and cancellation all become Failed outputs.
func (e *Executor) InvokeStep(ctx context.Context, req registry.Request, step plan.Step, stage int, pc plan.Context) plan.StepOutput {
	ctx = correlation.WithStep(ctx, string(step.ID))
	logger := logging.FromContext(ctx)
	start := time.Now()

	out := e.invoke(ctx, req, step, stage, pc)

	e.metrics.StepOutcomes.WithLabelValues(string(step.Specialist), string(out.Status)).Inc()
	e.metrics.StepDuration.WithLabelValues(string(step.Specialist)).Observe(time.Since(start).Seconds())
	if out.Status == plan.StatusFailed {
		logger.Warn(ctx, "step failed",
			zap.String("specialist", string(step.Specialist)),
			zap.String("reason", string(out.Reason)),
			zap.String("detail", out.Detail))
	} else {
		logger.Debug(ctx, "step resolved",
			zap.String("specialist", string(step.Specialist)),
			zap.String("status", string(out.Status)))
	}
	return out
}

type invocation struct {
	outcome plan.Outcome
	err     error
}

func (e *Executor) invoke(ctx context.Context, req registry.Request, step plan.Step, stage int, pc plan.Context) plan.StepOutput {
	capability, err := e.resolver.Resolve(step.Specialist)
	if err != nil {
		return plan.Failure(step, stage, plan.ReasonUnknownSpecialist, err.Error())
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancelTimeout()
	stepCtx, cancel := context.WithCancelCause(timeoutCtx)
	defer cancel(nil)

	key := runningKey(ctx, step.ID)
	e.track(key, cancel)
	defer e.untrack(key)

	done := make(chan invocation, 1)
	go func() {
		var inv invocation
		defer func() {
			if r := recover(); r != nil {
				inv = invocation{err: fmt.Errorf("specialist panicked: %v", r)}
			}
			done <- inv
		}()
		inv.outcome, inv.err = tracing.Observe(stepCtx, e.observer, "specialist."+string(step.Specialist), tracing.KindSpecialist, req,
			func(ctx context.Context) (plan.Outcome, error) {
				return capability.Invoke(ctx, req, pc)
			})
	}()

	select {
	case inv := <-done:
		if inv.err != nil {
			if stepCtx.Err() != nil {
				return plan.Failure(step, stage, plan.ReasonCancelled, cancelDetail(stepCtx, e.cfg.StepTimeout))
			}
			return plan.Failure(step, stage, plan.ReasonStepFailed, inv.err.Error())
		}
		return inv.outcome.Output(step, stage)
	case <-stepCtx.Done():
		return plan.Failure(step, stage, plan.ReasonCancelled, cancelDetail(stepCtx, e.cfg.StepTimeout))
	}
}

func cancelDetail(ctx context.Context, timeout time.Duration) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrStepCancelled):
		return "cancelled by request"
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", timeout)
	default:
		return "turn cancelled"
	}
}

// Cancel cancels a running step of a thread. The step resolves as
// Failed(cancelled); its siblings keep running. It reports whether the step was
// running.
func (e *Executor) Cancel(threadID string, step plan.StepID) bool {
	e.mu.Lock()
	cancel, ok := e.running[threadID+"/"+string(step)]
	e.mu.Unlock()
	if ok {
		cancel(ErrStepCancelled)
	}
	return ok
}

func runningKey(ctx context.Context, step plan.StepID) string {
	thread, _ := correlation.ThreadID(ctx)
	return thread + "/" + string(step)
}

func (e *Executor) track(key string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[key] = cancel
}

func (e *Executor) untrack(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, key)
}
