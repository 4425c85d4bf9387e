// Package eventlog persists conversation events in Redis.
//
// Each ticket has a list of JSON events, a snapshot of the state after the last
// event, and an entry in two sorted-set indexes: one of every ticket and one of
// open tickets scored by their last update. An append is a single Lua script,
// so the sequence check, the push, the snapshot and both indexes change
// together or not at all.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
)

const defaultPrefix = "concierge:"

// appendScript returns -1 when the event does not extend the stored history,
// otherwise the new length.
var appendScript = backend.NewScript(`
local have = redis.call("LLEN", KEYS[1])
if have + 1 ~= tonumber(ARGV[1]) then
	return -1
end
redis.call("RPUSH", KEYS[1], ARGV[2])
redis.call("SET", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[6])
if ARGV[5] == "1" then
	redis.call("ZREM", KEYS[4], ARGV[6])
else
	redis.call("ZADD", KEYS[4], ARGV[4], ARGV[6])
end
return have + 1
`)

// Store implements conversation.Store on Redis.
type Store struct {
	client *backend.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a store from an existing client.
func New(client *backend.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) eventsKey(ticketID string) string   { return s.prefix + "ticket:" + ticketID + ":events" }
func (s *Store) snapshotKey(ticketID string) string { return s.prefix + "ticket:" + ticketID + ":state" }
func (s *Store) ticketsKey() string                 { return s.prefix + "tickets" }
func (s *Store) openKey() string                    { return s.prefix + "tickets:open" }

// Append stores ev and the snapshot it produced.
func (s *Store) Append(ctx context.Context, ev conversation.Event, snapshot *conversation.State) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	terminal := "0"
	if snapshot.Status.Terminal() {
		terminal = "1"
	}
	keys := []string{s.eventsKey(ev.TicketID), s.snapshotKey(ev.TicketID), s.ticketsKey(), s.openKey()}
	args := []any{ev.Seq, data, snap, score(snapshot.UpdatedAt), terminal, ev.TicketID}

	n, err := appendScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to append event to redis: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: ticket %q does not accept seq %d", conversation.ErrOutOfOrder, ev.TicketID, ev.Seq)
	}
	return nil
}

// Events returns a ticket's events, oldest first.
func (s *Store) Events(ctx context.Context, ticketID string) ([]conversation.Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(ticketID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q", conversation.ErrNotFound, ticketID)
	}

	out := make([]conversation.Event, len(raw))
	for i, data := range raw {
		if err := json.Unmarshal([]byte(data), &out[i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", i+1, err)
		}
	}
	return out, nil
}

// Snapshot returns the state after the last event.
func (s *Store) Snapshot(ctx context.Context, ticketID string) (*conversation.State, error) {
	val, err := s.client.Get(ctx, s.snapshotKey(ticketID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %q", conversation.ErrNotFound, ticketID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var st conversation.State
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &st, nil
}

// Inactive lists open tickets last updated before cutoff, oldest first.
func (s *Store) Inactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.openKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(score(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive tickets: %w", err)
	}
	return ids, nil
}

// Tickets lists every ticket id.
func (s *Store) Tickets(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.ticketsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return ids, nil
}

func score(t time.Time) int64 {
	return t.UnixMilli()
}
