package tracing

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/logging"
)

// ErrEvaluatorClosed is returned by Close when called twice.
var ErrEvaluatorClosed = errors.New("evaluator closed")

const defaultQueueSize = 256

// Evaluator submits evaluations in the background. Submit never blocks: when the
// queue is full the evaluation is dropped and counted.
type Evaluator struct {
	sink    Sink
	logger  *logging.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Evaluation
	done   chan struct{}
}

// NewEvaluator starts an evaluator with room for size pending evaluations.
func NewEvaluator(sink Sink, size int, logger *logging.Logger) *Evaluator {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Evaluator{
		sink:    sink,
		logger:  logger,
		metrics: NewMetrics(),
		queue:   make(chan Evaluation, size),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit enqueues ev and reports whether it was accepted.
func (e *Evaluator) Submit(ev Evaluation) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.metrics.EvaluationsTotal.WithLabelValues("dropped").Inc()
		return false
	}

	select {
	case e.queue <- ev:
		return true
	default:
		e.metrics.EvaluationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn(context.Background(), "evaluation queue full, dropping evaluation",
			zap.String("thread.id", ev.ThreadID))
		return false
	}
}

// Close stops accepting evaluations and waits until the queue is drained or ctx ends.
func (e *Evaluator) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEvaluatorClosed
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Evaluator) run() {
	defer close(e.done)
	for ev := range e.queue {
		ctx := context.Background()
		if err := e.sink.SubmitEvaluation(ctx, ev); err != nil {
			e.metrics.EvaluationsTotal.WithLabelValues("error").Inc()
			e.logger.Warn(ctx, "failed to submit evaluation",
				zap.String("thread.id", ev.ThreadID),
				zap.Error(err))
			continue
		}
		e.metrics.EvaluationsTotal.WithLabelValues("submitted").Inc()
	}
}
