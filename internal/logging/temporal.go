// internal/logging/temporal.go
package logging

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// TemporalLogger adapts Logger to the Temporal SDK's key/value logger.
type TemporalLogger struct {
	sugar *zap.SugaredLogger
}

var (
	_ log.Logger     = (*TemporalLogger)(nil)
	_ log.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger routes SDK and workflow.GetLogger output through l.
func NewTemporalLogger(l *Logger) *TemporalLogger {
	return &TemporalLogger{sugar: l.zap.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (t *TemporalLogger) Debug(msg string, keyvals ...interface{}) { t.sugar.Debugw(msg, keyvals...) }
func (t *TemporalLogger) Info(msg string, keyvals ...interface{})  { t.sugar.Infow(msg, keyvals...) }
func (t *TemporalLogger) Warn(msg string, keyvals ...interface{})  { t.sugar.Warnw(msg, keyvals...) }
func (t *TemporalLogger) Error(msg string, keyvals ...interface{}) { t.sugar.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (t *TemporalLogger) With(keyvals ...interface{}) log.Logger {
	return &TemporalLogger{sugar: t.sugar.With(keyvals...)}
}
