package tracing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/concierge/internal/sanitize"
)

// DefaultSubjectPrefix is used when NATSSink is given an empty prefix.
const DefaultSubjectPrefix = "concierge"

// NATSSink publishes units and evaluations as JSON.
//
// Subjects:
//   - {prefix}.units.{thread_id}
//   - {prefix}.evaluations.{thread_id}
//
// Units without a thread are published under the "unbound" token.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a sink on an established connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// UnitSubject returns the subject units of threadID are published on.
func (s *NATSSink) UnitSubject(threadID string) string {
	return fmt.Sprintf("%s.units.%s", s.prefix, sanitize.SubjectToken(threadID))
}

// EvaluationSubject returns the subject evaluations of threadID are published on.
func (s *NATSSink) EvaluationSubject(threadID string) string {
	return fmt.Sprintf("%s.evaluations.%s", s.prefix, sanitize.SubjectToken(threadID))
}

func (s *NATSSink) RecordUnit(_ context.Context, u Unit) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	if err := s.nc.Publish(s.UnitSubject(u.ThreadID), data); err != nil {
		return fmt.Errorf("publish unit: %w", err)
	}
	return nil
}

func (s *NATSSink) SubmitEvaluation(_ context.Context, e Evaluation) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	if err := s.nc.Publish(s.EvaluationSubject(e.ThreadID), data); err != nil {
		return fmt.Errorf("publish evaluation: %w", err)
	}
	return nil
}
