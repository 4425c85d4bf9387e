package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for ticket workflows",
	Long: `Run a Temporal worker that hosts ticket workflows and their plan, step,
synthesis and evaluation activities. With maintenance enabled it also creates
the schedule that closes inactive tickets.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.temporal(ctx)
	if err != nil {
		return err
	}
	eng, err := a.engine(ctx)
	if err != nil {
		return err
	}
	gateway := a.gateway(c)

	if a.cfg.Maintenance.Enabled {
		err := gateway.EnsureAutoCloseSchedule(ctx, a.cfg.Maintenance.Interval.Duration(), workflows.AutoCloseInput{
			InactivityWindow: a.cfg.Maintenance.InactivityWindow.Duration(),
		})
		if err != nil {
			return err
		}
	}

	w := worker.New(c, a.cfg.Temporal.TaskQueue, worker.Options{})
	workflows.Register(w, &workflows.Activities{
		Planner: eng.planner,
		Steps:   eng.executor,
		Synth:   eng.synth,
		Evals:   eng.evals,
		Tickets: gateway,
		Logger:  a.logger,
	})

	a.logger.Info(ctx, "worker starting", zap.String("task_queue", a.cfg.Temporal.TaskQueue))
	if err := w.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	a.logger.Info(ctx, "worker stopped")
	return nil
}
