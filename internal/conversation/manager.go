package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concierge/internal/correlation"
	"github.com/fyrsmithlabs/concierge/internal/executor"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/planner"
	"github.com/fyrsmithlabs/concierge/internal/registry"
	"github.com/fyrsmithlabs/concierge/internal/synth"
	"github.com/fyrsmithlabs/concierge/internal/tracing"
)

// Default manager configuration.
const (
	DefaultInboxLimit = 32
	DefaultLockTTL    = 5 * time.Minute
	DefaultLeaseTTL   = 30 * time.Second
)

// Planner produces the plan for a turn.
type Planner interface {
	Plan(ctx context.Context, in planner.Input) (plan.Plan, error)
}

// Executor runs a plan until it is done or suspended.
type Executor interface {
	Execute(ctx context.Context, req registry.Request, p *plan.Progress, rec executor.Recorder) (*executor.Result, error)
	Cancel(threadID string, step plan.StepID) bool
}

// Synthesizer merges step outputs into a reply.
type Synthesizer interface {
	Synthesize(ctx context.Context, in synth.Input) (*synth.Reply, error)
}

// Evaluations accepts per-turn evaluations without blocking.
type Evaluations interface {
	Submit(ev tracing.Evaluation) bool
}

// UnlockFunc releases a lock taken by a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker serializes commits to a ticket across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Signal is an inbound customer message.
type Signal struct {
	TicketID   string            `json:"ticket_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	Profile    map[string]string `json:"profile,omitempty"`
	Text       string            `json:"text"`
}

// Config tunes a Manager.
type Config struct {
	InboxLimit int
	// QuestionTimeout answers a pending question on the customer's behalf once
	// it is this old. Zero waits forever.
	QuestionTimeout time.Duration
	LockTTL         time.Duration
	// LeaseTTL bounds how long a crashed driver keeps a ticket. Live drivers
	// renew their lease every third of it.
	LeaseTTL time.Duration
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager drives ticket turns in process. Every state change is one event
// committed under the ticket's lock; the planner, executor and synthesizer run
// outside it. At most one driver per ticket runs in a process, and with a
// Leaser at most one across processes. A ticket's store rejects events that do
// not extend its latest state.
type Manager struct {
	store   Store
	planner Planner
	exec    Executor
	synth   Synthesizer
	evals   Evaluations
	locker  Locker
	leaser  Leaser
	cfg     Config
	logger  *logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	locks   map[string]*lockEntry
	drivers map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker enables cross-process locking.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithLeaser makes a ticket's driver hold a renewable lease, so only one
// process runs its turns. Other processes commit to the inbox and return.
func WithLeaser(l Leaser) Option {
	return func(m *Manager) { m.leaser = l }
}

// WithEvaluations submits an evaluation after every reply.
func WithEvaluations(e Evaluations) Option {
	return func(m *Manager) { m.evals = e }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithConfig sets limits and timeouts. Zero values keep the defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.InboxLimit > 0 {
			m.cfg.InboxLimit = cfg.InboxLimit
		}
		if cfg.LockTTL > 0 {
			m.cfg.LockTTL = cfg.LockTTL
		}
		if cfg.LeaseTTL > 0 {
			m.cfg.LeaseTTL = cfg.LeaseTTL
		}
		m.cfg.QuestionTimeout = cfg.QuestionTimeout
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over store.
func NewManager(store Store, p Planner, x Executor, s Synthesizer, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		planner: p,
		exec:    x,
		synth:   s,
		cfg:     Config{InboxLimit: DefaultInboxLimit, LockTTL: DefaultLockTTL, LeaseTTL: DefaultLeaseTTL},
		logger:  logging.NewNop(),
		metrics: NewMetrics(),
		now:     time.Now,
		locks:   make(map[string]*lockEntry),
		drivers: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit routes a customer message. While a question is pending the message is
// its answer; otherwise it joins the inbox. The caller then drives the ticket
// until it is idle or suspended, unless another driver already owns it, in
// which case the message waits in the inbox for that driver.
func (m *Manager) Submit(ctx context.Context, sig Signal) (*State, error) {
	if sig.TicketID == "" {
		return nil, fmt.Errorf("%w: missing ticket id", ErrInvalidTransition)
	}
	_, err := m.commit(ctx, sig.TicketID, func(st *State) ([]Event, error) {
		return Route(st, sig, m.cfg.InboxLimit)
	})
	if err != nil {
		return nil, err
	}
	return m.drive(ctx, sig.TicketID)
}

// Route returns the events recording sig against st, which is nil for a ticket
// that does not exist yet. A message sent while a question is pending answers
// it; any other message joins the inbox unless inboxLimit messages are already
// waiting.
func Route(st *State, sig Signal, inboxLimit int) ([]Event, error) {
	var evs []Event
	switch {
	case st == nil:
		evs = append(evs, Event{
			Type:   EventTicketOpened,
			Opened: &Opened{CustomerID: sig.CustomerID, Profile: sig.Profile},
		})
	case st.Status.Terminal():
		return nil, ErrConversationClosed
	case st.Phase == PhaseAwaitingAnswer && st.Pending != nil:
		return []Event{{Type: EventAnswerReceived, StepID: st.Pending.StepID, Text: sig.Text}}, nil
	case inboxLimit > 0 && len(st.Inbox) >= inboxLimit:
		return nil, fmt.Errorf("%w: %d messages waiting", ErrInboxFull, len(st.Inbox))
	}
	return append(evs, Event{Type: EventMessageReceived, Text: sig.Text}), nil
}

// Answer resolves the pending question of step. It fails with
// ErrNoPendingQuestion, leaving the ticket unchanged, when the ticket is not
// waiting on that step.
func (m *Manager) Answer(ctx context.Context, ticketID string, step plan.StepID, text string) (*State, error) {
	_, err := m.commit(ctx, ticketID, func(st *State) ([]Event, error) {
		if st == nil {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, ticketID)
		}
		return []Event{{Type: EventAnswerReceived, StepID: step, Text: text}}, nil
	})
	if err != nil {
		return nil, err
	}
	return m.drive(ctx, ticketID)
}

// Close ends a ticket with status closed or resolved and stops any turn in
// flight for it.
func (m *Manager) Close(ctx context.Context, ticketID string, status Status, notice string) (*State, error) {
	st, err := m.commit(ctx, ticketID, func(st *State) ([]Event, error) {
		if st == nil {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, ticketID)
		}
		return []Event{{Type: EventTicketClosed, Status: status, Text: notice}}, nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cancel, running := m.drivers[ticketID]
	m.mu.Unlock()
	if running {
		cancel()
	}
	return st, nil
}

// Cancel cancels a running step of a ticket. The step fails with reason
// cancelled and its siblings continue.
func (m *Manager) Cancel(ctx context.Context, ticketID string, step plan.StepID) (bool, error) {
	st, err := m.State(ctx, ticketID)
	if err != nil {
		return false, err
	}
	return m.exec.Cancel(st.ThreadID, step), nil
}

// State returns the latest state of a ticket.
func (m *Manager) State(ctx context.Context, ticketID string) (*State, error) {
	return m.store.Snapshot(ctx, ticketID)
}

// Replay rebuilds a ticket's state from its event log alone.
func (m *Manager) Replay(ctx context.Context, ticketID string) (*State, error) {
	events, err := m.store.Events(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return Replay(events)
}

// Recover resumes every ticket whose turn was interrupted, and drains inboxes
// left behind by a stopped process. Suspended tickets stay dormant. It returns
// the number of tickets resumed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.Tickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tickets: %w", err)
	}

	var (
		resumed int
		errs    []error
	)
	for _, id := range ids {
		st, err := m.store.Snapshot(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		if !needsDriver(st) {
			continue
		}
		m.logger.Info(ctx, "resuming interrupted ticket",
			zap.String("ticket.id", id),
			zap.String("phase", string(st.Phase)))
		if _, err := m.drive(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

func needsDriver(st *State) bool {
	if st.Status.Terminal() {
		return false
	}
	switch st.Phase {
	case PhasePlanning, PhaseExecuting, PhaseSynthesizing:
		return true
	case PhaseIdle:
		return len(st.Inbox) > 0
	default:
		return false
	}
}

var errSkip = errors.New("skip")

// CloseInactive closes every open ticket not updated within window and
// returns their ids.
func (m *Manager) CloseInactive(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := m.now().Add(-window)
	ids, err := m.store.Inactive(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list inactive tickets: %w", err)
	}

	var (
		closed []string
		errs   []error
	)
	for _, id := range ids {
		_, err := m.Close(ctx, id, StatusClosed, InactivityNotice)
		switch {
		case err == nil:
			closed = append(closed, id)
		case errors.Is(err, ErrConversationClosed):
		default:
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return closed, errors.Join(errs...)
}

// TimeoutAnswer is the answer recorded for a question left unanswered.
func TimeoutAnswer(timeout time.Duration) string {
	return fmt.Sprintf("[TIMEOUT: User did not respond within %d seconds]", int(timeout.Seconds()))
}

// ExpireQuestions answers every question older than the question timeout with
// TimeoutAnswer and resumes those tickets. It returns their ids.
func (m *Manager) ExpireQuestions(ctx context.Context) ([]string, error) {
	timeout := m.cfg.QuestionTimeout
	if timeout <= 0 {
		return nil, nil
	}
	ids, err := m.store.Tickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	var (
		expired []string
		errs    []error
	)
	for _, id := range ids {
		_, err := m.commit(ctx, id, func(st *State) ([]Event, error) {
			if st == nil || st.Phase != PhaseAwaitingAnswer || st.Pending == nil {
				return nil, errSkip
			}
			if m.now().Sub(st.Pending.AskedAt) < timeout {
				return nil, errSkip
			}
			return []Event{{Type: EventAnswerReceived, StepID: st.Pending.StepID, Text: TimeoutAnswer(timeout)}}, nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		expired = append(expired, id)
		if _, err := m.drive(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
		}
	}
	return expired, errors.Join(errs...)
}

// Maintain runs the question timeout and inactivity sweeps every interval
// until ctx ends.
func (m *Manager) Maintain(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if expired, err := m.ExpireQuestions(ctx); err != nil {
			m.logger.Warn(ctx, "question timeout sweep failed", zap.Error(err))
		} else if len(expired) > 0 {
			m.logger.Info(ctx, "answered timed out questions", zap.Strings("tickets", expired))
		}
		if window <= 0 {
			continue
		}
		if closed, err := m.CloseInactive(ctx, window); err != nil {
			m.logger.Warn(ctx, "inactivity sweep failed", zap.Error(err))
		} else if len(closed) > 0 {
			m.logger.Info(ctx, "closed inactive tickets", zap.Strings("tickets", closed))
		}
	}
}

// drive advances a ticket until it is idle with an empty inbox, suspended or
// closed. If another driver owns the ticket, in this process or behind the
// driver lease, it returns the current state straight away and leaves the
// work to that driver. A driver re-reads the ticket after letting go of it, so
// a message committed while it was finishing is never stranded.
func (m *Manager) drive(ctx context.Context, ticketID string) (*State, error) {
	for {
		st, owned, err := m.driveOwned(ctx, ticketID)
		if err != nil || !owned {
			return st, err
		}
		latest, err := m.State(ctx, ticketID)
		if err != nil {
			return st, nil
		}
		if !needsDriver(latest) {
			return latest, nil
		}
		m.logger.Debug(ctx, "ticket changed while driver was finishing, driving again",
			zap.String("ticket.id", ticketID),
			zap.String("phase", string(latest.Phase)),
			zap.Int("inbox", len(latest.Inbox)))
	}
}

func (m *Manager) driveOwned(ctx context.Context, ticketID string) (*State, bool, error) {
	ctx, ok := m.claim(ctx, ticketID)
	if !ok {
		st, err := m.State(ctx, ticketID)
		return st, false, err
	}
	defer m.unclaim(ticketID)

	if m.leaser != nil {
		lease, held, err := m.leaser.TryLease(ctx, driverKey(ticketID), m.cfg.LeaseTTL)
		if err != nil {
			return nil, false, fmt.Errorf("acquire driver lease: %w", err)
		}
		if !held {
			st, err := m.State(ctx, ticketID)
			return st, false, err
		}
		var stop func()
		ctx, stop = m.keepLease(ctx, ticketID, lease)
		defer stop()
	}

	st, err := m.turns(ctx, ticketID)
	return st, true, err
}

// keepLease renews lease until stop is called. The returned context is
// cancelled with ErrLeaseLost if a renewal fails.
func (m *Manager) keepLease(ctx context.Context, ticketID string, lease Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := lease.Renew(ctx, m.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn(ctx, "driver lease renewal failed, stopping driver",
					zap.String("ticket.id", ticketID),
					zap.Error(err))
				cancel(fmt.Errorf("renew %s: %w", driverKey(ticketID), ErrLeaseLost))
				return
			}
		}
	}()

	stop := func() {
		close(done)
		wg.Wait()
		cancel(nil)
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn(ctx, "failed to release driver lease, it will expire",
				zap.String("ticket.id", ticketID),
				zap.Error(err))
		}
	}
	return ctx, stop
}

func (m *Manager) turns(ctx context.Context, ticketID string) (*State, error) {
	start := m.now()
	for {
		st, err := m.store.Snapshot(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		tctx := m.bind(ctx, st)

		switch {
		case st.Status.Terminal(), st.Phase == PhaseAwaitingAnswer:
			return st, nil
		case st.Phase == PhaseIdle:
			if len(st.Inbox) == 0 {
				return st, nil
			}
			start = m.now()
			_, err = m.record(tctx, ticketID, Event{Type: EventTurnStarted})
		case st.Phase == PhasePlanning:
			err = m.planTurn(tctx, st)
		case st.Phase == PhaseExecuting:
			var suspended bool
			suspended, err = m.executeTurn(tctx, st)
			if err == nil && suspended {
				m.metrics.TurnDuration.Observe(m.now().Sub(start).Seconds())
			}
		case st.Phase == PhaseSynthesizing:
			err = m.synthesizeTurn(tctx, st)
			if err == nil {
				m.metrics.TurnDuration.Observe(m.now().Sub(start).Seconds())
			}
		}
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
				return nil, cause
			}
			if errors.Is(err, ErrConversationClosed) || ctx.Err() != nil {
				// Close cancels the driver; report the closed ticket rather than the cancellation.
				latest, lerr := m.State(context.WithoutCancel(ctx), ticketID)
				if lerr == nil && latest.Status.Terminal() {
					return latest, nil
				}
			}
			return nil, err
		}
	}
}

func (m *Manager) bind(ctx context.Context, st *State) context.Context {
	ctx = correlation.WithThread(ctx, st.ThreadID)
	ctx = logging.WithTicketID(ctx, st.TicketID)
	return logging.EnsureLogger(ctx, m.logger)
}

func (m *Manager) planTurn(ctx context.Context, st *State) error {
	p, err := m.planner.Plan(ctx, planner.Input{
		TicketID: st.TicketID,
		Message:  st.Current,
		History:  st.Background(),
		Profile:  st.Profile,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn(ctx, "planning failed, sending apology", zap.Error(err))
		m.metrics.Turns.WithLabelValues("planning_failed").Inc()
		_, err = m.record(ctx, st.TicketID, Event{Type: EventPlanningFailed, Text: err.Error()})
		return err
	}
	_, err = m.record(ctx, st.TicketID, Event{Type: EventPlanCreated, Plan: &p})
	return err
}

// executeTurn runs the active plan on a copy of the recorded progress. Every
// stage is committed as it resolves, so an interrupted turn resumes from the
// last committed stage.
func (m *Manager) executeTurn(ctx context.Context, st *State) (bool, error) {
	req := registry.Request{
		TicketID:   st.TicketID,
		CustomerID: st.CustomerID,
		Profile:    st.Profile,
		Message:    st.Current,
		History:    st.Background(),
	}
	rec := executor.RecorderFunc(func(ctx context.Context, report executor.StageReport) error {
		_, err := m.record(ctx, st.TicketID, Event{Type: EventStageCompleted, Stage: &report})
		return err
	})

	res, err := m.exec.Execute(ctx, req, st.Active.Clone(), rec)
	if err != nil {
		return false, err
	}
	if !res.Suspended {
		return false, nil
	}

	m.metrics.Turns.WithLabelValues("suspended").Inc()
	logging.FromContext(ctx).Info(ctx, "plan suspended on question",
		zap.String("step.id", string(res.Question.StepID)),
		zap.String("specialist", string(res.Question.Specialist)))
	_, err = m.record(ctx, st.TicketID, Event{Type: EventQuestionAsked, StepID: res.Question.StepID})
	return true, err
}

func (m *Manager) synthesizeTurn(ctx context.Context, st *State) error {
	results := st.Active.Results()
	reply, err := m.synth.Synthesize(ctx, synth.Input{
		Message: st.Current,
		History: st.Background(),
		Results: results,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn(ctx, "synthesis failed, sending apology", zap.Error(err))
		m.metrics.Turns.WithLabelValues("synthesis_failed").Inc()
		_, err = m.record(ctx, st.TicketID, Event{Type: EventSynthesisFailed, Text: err.Error()})
		return err
	}

	if _, err := m.record(ctx, st.TicketID, Event{Type: EventReplyProduced, Reply: reply}); err != nil {
		return err
	}
	m.metrics.Turns.WithLabelValues("replied").Inc()
	m.evaluate(ctx, st, reply, results)
	return nil
}

func (m *Manager) evaluate(ctx context.Context, st *State, reply *synth.Reply, results []plan.StepOutput) {
	if m.evals == nil {
		return
	}
	ev := tracing.Evaluation{
		ThreadID:         st.ThreadID,
		TicketID:         st.TicketID,
		Input:            st.Current,
		Output:           reply.Text,
		RetrievedContext: RetrievedContext(results),
		At:               m.now().UTC(),
	}
	if !m.evals.Submit(ev) {
		logging.FromContext(ctx).Debug(ctx, "evaluation not accepted")
	}
}

// RetrievedContext renders completed step outputs for an evaluation.
func RetrievedContext(results []plan.StepOutput) []string {
	var out []string
	for _, r := range results {
		if r.Status == plan.StatusCompleted && strings.TrimSpace(r.Response) != "" {
			out = append(out, string(r.Specialist)+": "+r.Response)
		}
	}
	return out
}

func (m *Manager) record(ctx context.Context, ticketID string, ev Event) (*State, error) {
	return m.commit(ctx, ticketID, func(*State) ([]Event, error) {
		return []Event{ev}, nil
	})
}

// commit applies the events built from the latest state and appends them,
// all under the ticket lock. build sees nil for an unknown ticket.
func (m *Manager) commit(ctx context.Context, ticketID string, build func(st *State) ([]Event, error)) (*State, error) {
	var out *State
	err := m.withLock(ctx, ticketID, func(ctx context.Context) error {
		st, err := m.store.Snapshot(ctx, ticketID)
		if errors.Is(err, ErrNotFound) {
			st = nil
		} else if err != nil {
			return err
		}

		evs, err := build(st)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			ev = st.Stamp(ticketID, ev, m.now())
			next, err := st.Apply(ev)
			if err != nil {
				return err
			}
			if err := m.store.Append(ctx, ev, next); err != nil {
				return fmt.Errorf("append %s: %w", ev.Type, err)
			}
			m.metrics.Events.WithLabelValues(string(ev.Type)).Inc()
			st = next
		}
		out = st
		return nil
	})
	return out, err
}

func (m *Manager) withLock(ctx context.Context, ticketID string, fn func(context.Context) error) error {
	entry := m.acquire(ticketID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(ticketID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, ticketID, m.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire ticket lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn(ctx, "failed to release ticket lock, it will expire",
					zap.String("ticket.id", ticketID),
					zap.Error(err))
			}
		}()
	}
	return fn(ctx)
}

func (m *Manager) acquire(ticketID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[ticketID]
	if !ok {
		entry = &lockEntry{}
		m.locks[ticketID] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(ticketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[ticketID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, ticketID)
	}
}

func (m *Manager) claim(ctx context.Context, ticketID string) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.drivers[ticketID]; busy {
		return ctx, false
	}
	ctx, cancel := context.WithCancel(ctx)
	m.drivers[ticketID] = cancel
	m.metrics.Drivers.Inc()
	return ctx, true
}

func (m *Manager) unclaim(ticketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.drivers[ticketID]; ok {
		cancel()
		delete(m.drivers, ticketID)
		m.metrics.Drivers.Dec()
	}
}
