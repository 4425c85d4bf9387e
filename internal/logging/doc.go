// Package logging provides structured logging for concierge.
//
// # Overview
//
// The package wraps Zap with:
//   - Context-aware methods that inject correlation fields automatically
//   - A custom Trace level (-2, below Debug)
//   - Stdout and OpenTelemetry outputs
//   - Secret redaction at the encoder
//   - Level-aware sampling (errors are never sampled)
//   - An adapter so the Temporal SDK logs through the same core
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = correlation.WithThread(ctx, state.ThreadID)
//	ctx = logging.WithTicketID(ctx, state.TicketID)
//	logger.Info(ctx, "stage completed", zap.Int("stage", 2))
//
// Output:
//
//	{"ts":"2025-11-24T10:15:30Z","level":"info","msg":"stage completed",
//	 "thread.id":"3f0c...","ticket.id":"T-1001","stage":2}
package logging
