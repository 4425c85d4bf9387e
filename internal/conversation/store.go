package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists ticket events. Append must reject an event whose Seq is not
// one past the last stored event of its ticket with ErrOutOfOrder, so two
// processes can never both extend the same history.
type Store interface {
	Append(ctx context.Context, ev Event, snapshot *State) error
	Events(ctx context.Context, ticketID string) ([]Event, error)
	Snapshot(ctx context.Context, ticketID string) (*State, error)
	// Inactive lists open tickets whose last update is before cutoff.
	Inactive(ctx context.Context, cutoff time.Time) ([]string, error)
	// Tickets lists every known ticket id.
	Tickets(ctx context.Context) ([]string, error)
}

// MemoryStore keeps events in process. Events are stored encoded so readers
// get the same values a durable store would return.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][][]byte
	snapshots map[string][]byte
	updated   map[string]time.Time
	terminal  map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][][]byte),
		snapshots: make(map[string][]byte),
		updated:   make(map[string]time.Time),
		terminal:  make(map[string]bool),
	}
}

// Append stores ev and the snapshot produced by it.
func (m *MemoryStore) Append(_ context.Context, ev Event, snapshot *State) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if have := len(m.events[ev.TicketID]); ev.Seq != have+1 {
		return fmt.Errorf("%w: ticket %q has %d events, got seq %d", ErrOutOfOrder, ev.TicketID, have, ev.Seq)
	}
	m.events[ev.TicketID] = append(m.events[ev.TicketID], data)
	m.snapshots[ev.TicketID] = snap
	m.updated[ev.TicketID] = snapshot.UpdatedAt
	m.terminal[ev.TicketID] = snapshot.Status.Terminal()
	return nil
}

// Events returns the ticket's events, oldest first.
func (m *MemoryStore) Events(_ context.Context, ticketID string) ([]Event, error) {
	m.mu.RLock()
	raw := m.events[ticketID]
	m.mu.RUnlock()
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ticketID)
	}

	out := make([]Event, len(raw))
	for i, data := range raw {
		if err := json.Unmarshal(data, &out[i]); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i+1, err)
		}
	}
	return out, nil
}

// Snapshot returns the state after the last event.
func (m *MemoryStore) Snapshot(_ context.Context, ticketID string) (*State, error) {
	m.mu.RLock()
	data, ok := m.snapshots[ticketID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ticketID)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Inactive lists open tickets last updated before cutoff.
func (m *MemoryStore) Inactive(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, at := range m.updated {
		if !m.terminal[id] && at.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Tickets lists every stored ticket.
func (m *MemoryStore) Tickets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.events))
	for id := range m.events {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
