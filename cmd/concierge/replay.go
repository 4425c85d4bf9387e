package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/eventlog"
	"github.com/fyrsmithlabs/concierge/internal/sanitize"
)

var replayEvents bool

var replayCmd = &cobra.Command{
	Use:   "replay <ticket-id>",
	Short: "Rebuild a ticket from the event log and print it as JSON",
	Long: `Rebuild a ticket's state by replaying its events from the Redis event log
and print it as JSON. The stored snapshot is not consulted.

Examples:
  # Print the replayed state
  concierge replay T-1042

  # Print the raw events instead
  concierge replay --events T-1042`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayEvents, "events", false, "print the events instead of the replayed state")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rc, err := a.redis(ctx)
	if err != nil {
		return err
	}
	store := eventlog.New(rc, eventlog.WithPrefix(a.cfg.Redis.Prefix))
	return replay(ctx, store, args[0], replayEvents, cmd.OutOrStdout())
}

func replay(ctx context.Context, store conversation.Store, ticketID string, raw bool, out io.Writer) error {
	if err := sanitize.ValidateTicketID(ticketID); err != nil {
		return err
	}
	events, err := store.Events(ctx, ticketID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: %q", conversation.ErrNotFound, ticketID)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if raw {
		return enc.Encode(events)
	}
	st, err := conversation.Replay(events)
	if err != nil {
		return fmt.Errorf("replaying %s: %w", ticketID, err)
	}
	return enc.Encode(st)
}
