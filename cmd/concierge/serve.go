package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/config"
	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/eventlog"
	httpserver "github.com/fyrsmithlabs/concierge/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingress",
	Long: `Run the HTTP ingress for ticket messages, answers and closes.

In local mode (engine.mode: local) turns run in this process and every event is
written to the Redis event log. In temporal mode each ticket is a workflow and
the ingress only signals and queries; run "concierge worker" alongside it.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var ingress httpserver.Ingress
	switch a.cfg.Engine.Mode {
	case config.ModeTemporal:
		c, err := a.temporal(ctx)
		if err != nil {
			return err
		}
		ingress = a.gateway(c)
	default:
		mgr, err := a.localManager(ctx)
		if err != nil {
			return err
		}
		ingress = mgr
	}

	server, err := httpserver.NewServer(ingress, a.logger, &httpserver.Config{
		Host:      a.cfg.Server.Host,
		Port:      a.cfg.Server.Port,
		RateLimit: a.cfg.Server.RateLimit,
		Burst:     a.cfg.Server.Burst,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer done()
	return server.Shutdown(shutdownCtx)
}

// localManager builds the in-process host on the Redis event log, resumes
// tickets left mid-turn and starts the maintenance sweeps.
func (a *app) localManager(ctx context.Context) (*conversation.Manager, error) {
	rc, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := a.engine(ctx)
	if err != nil {
		return nil, err
	}

	locker := eventlog.NewLocker(rc, a.cfg.Redis.Prefix)
	mgr := conversation.NewManager(
		eventlog.New(rc, eventlog.WithPrefix(a.cfg.Redis.Prefix)),
		eng.planner, eng.executor, eng.synth,
		conversation.WithLocker(locker),
		conversation.WithLeaser(locker),
		conversation.WithEvaluations(eng.evals),
		conversation.WithLogger(a.logger),
		conversation.WithConfig(conversation.Config{
			InboxLimit:      a.cfg.Engine.InboxLimit,
			QuestionTimeout: a.cfg.Engine.QuestionTimeout.Duration(),
			LockTTL:         a.cfg.Engine.LockTTL.Duration(),
			LeaseTTL:        a.cfg.Engine.LeaseTTL.Duration(),
		}),
	)

	resumed, err := mgr.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering tickets: %w", err)
	}
	a.logger.Info(ctx, "local engine ready", zap.Int("resumed", resumed))

	if a.cfg.Maintenance.Enabled || a.cfg.Engine.QuestionTimeout > 0 {
		window := a.cfg.Maintenance.InactivityWindow.Duration()
		if !a.cfg.Maintenance.Enabled {
			window = 0
		}
		go mgr.Maintain(ctx, a.cfg.Maintenance.Interval.Duration(), window)
	}
	return mgr, nil
}
