package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	backend "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/log/global"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/config"
	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/reasoning"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
	"github.com/fyrsmithlabs/concierge/internal/telemetry"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
	"github.com/fyrsmithlabs/concierge/internal/workflows"
)

const instrumentationName = "github.com/fyrsmithlabs/concierge"

// app holds what every command shares. Closers run in reverse order.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	closers   []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	telCfg, err := telemetry.FromAppConfig(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	a.onClose(tel.Shutdown)
	if degraded, err := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) redis(ctx context.Context) (*backend.Client, error) {
	rc := backend.NewClient(&backend.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password.Value(),
		DB:       a.cfg.Redis.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.onClose(func(context.Context) error { return rc.Close() })
	return rc, nil
}

// sink publishes observed units to NATS when enabled and drops them otherwise.
func (a *app) sink(ctx context.Context) (tracing.Sink, error) {
	if !a.cfg.NATS.Enabled {
		return tracing.NopSink{}, nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("concierge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("nats %s: %w", a.cfg.NATS.URL, err)
	}
	a.onClose(func(context.Context) error { return nc.Drain() })
	a.logger.Info(ctx, "publishing observability units", zap.String("url", a.cfg.NATS.URL))
	return tracing.NewNATSSink(nc, a.cfg.NATS.SubjectPrefix), nil
}

// engine is the reasoning side shared by both hosts.
type engine struct {
	planner  *planner.Planner
	executor *executor.Executor
	synth    *synth.Synthesizer
	evals    *tracing.Evaluator
}

func (a *app) engine(ctx context.Context) (*engine, error) {
	sink, err := a.sink(ctx)
	if err != nil {
		return nil, err
	}
	observer := tracing.NewObserver(sink, a.telemetry.Tracer(instrumentationName))

	reasoner, err := reasoning.NewFromConfig(a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("reasoning backend: %w", err)
	}
	reg, err := registry.Default(reasoner)
	if err != nil {
		return nil, fmt.Errorf("registering specialists: %w", err)
	}

	evals := tracing.NewEvaluator(sink, a.cfg.NATS.QueueSize, a.logger)
	a.onClose(evals.Close)

	return &engine{
		planner: planner.New(reasoner, reg,
			planner.WithAttempts(a.cfg.Engine.PlanningAttempts),
			planner.WithObserver(observer)),
		executor: executor.New(reg, observer, executor.Config{
			MaxParallel: a.cfg.Engine.MaxParallelSteps,
			StepTimeout: a.cfg.Engine.StepTimeout.Duration(),
		}),
		synth: synth.New(reasoner, observer),
		evals: evals,
	}, nil
}

func (a *app) temporal(ctx context.Context) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:           a.cfg.Temporal.HostPort,
		Namespace:          a.cfg.Temporal.Namespace,
		Logger:             logging.NewTemporalLogger(a.logger),
		ContextPropagators: []workflow.ContextPropagator{correlation.NewPropagator()},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	a.onClose(func(context.Context) error { c.Close(); return nil })
	a.logger.Info(ctx, "temporal client connected",
		zap.String("host", a.cfg.Temporal.HostPort),
		zap.String("namespace", a.cfg.Temporal.Namespace))
	return c, nil
}

func (a *app) gateway(c client.Client) *workflows.Gateway {
	return workflows.NewGateway(c, a.cfg.Temporal.Namespace, a.cfg.Temporal.TaskQueue, ticketOptions(a.cfg))
}

func ticketOptions(cfg *config.Config) workflows.TicketOptions {
	return workflows.TicketOptions{
		StepTimeout:        cfg.Engine.StepTimeout.Duration(),
		MaxParallel:        cfg.Engine.MaxParallelSteps,
		QuestionTimeout:    cfg.Engine.QuestionTimeout.Duration(),
		InboxLimit:         cfg.Engine.InboxLimit,
		ContinueAsNewAfter: cfg.Temporal.ContinueAsNewAfter,
	}
}
