// Package teleport implements deferred, cancellable teleport requests: the
// validated request descriptor, the task the scheduler fires after a warmup,
// the per-actor warmup tracker and the pending request table with expiry and
// supersession. Money charged for a teleport is held in escrow and returned
// exactly once whenever the teleport does not complete.
package teleport

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Engine validates requests and starts tasks.
type Engine struct {
	deps     Deps
	policy   Policy
	escrow   *Escrow
	warmups  *Warmups
	metrics  *Metrics
	logger   *log.Logger
	clock    func() time.Time
	currency string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p.PendingTTL <= 0 {
			p.PendingTTL = DefaultPendingTTL
		}
		e.policy = p
	}
}

// WithEscrow installs a shared escrow book instead of a private one.
func WithEscrow(es *Escrow) Option {
	return func(e *Engine) { e.escrow = es }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithCurrencySymbol sets the prefix used when costs are shown to players.
func WithCurrencySymbol(symbol string) Option {
	return func(e *Engine) { e.currency = symbol }
}

// NewEngine wires an engine to its collaborators.
func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		deps:     deps,
		policy:   DefaultPolicy(),
		logger:   log.New(log.Writer(), "[TELEPORT] ", log.LstdFlags),
		clock:    time.Now,
		currency: "$",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.escrow == nil {
		e.escrow = NewEscrow(deps.Economy, nil)
	}
	e.warmups = newWarmups(e.metrics)
	return e
}

func (e *Engine) Policy() Policy     { return e.policy }
func (e *Engine) Escrow() *Escrow    { return e.escrow }
func (e *Engine) Warmups() *Warmups  { return e.warmups }
func (e *Engine) Now() time.Time     { return e.clock() }
func (e *Engine) Metrics() *Metrics  { return e.metrics }
func (e *Engine) Notifier() Notifier { return e.deps.Notifier }

func (e *Engine) formatCost(amount float64) string {
	return fmt.Sprintf("%s%.2f", e.currency, amount)
}

// Submit validates r and either teleports now (no warmup) or schedules the
// teleport. With a warmup the result only says the request was accepted;
// the task reports the final result itself. Validation and toggle failures
// are notified to the requester and reported as false. The returned error is
// non-nil only for ErrPrecondition. A cost is withdrawn before the task
// starts; a requester who cannot pay is told so and nothing is scheduled.
func (e *Engine) Submit(ctx context.Context, r Request) (bool, error) {
	t, ok, err := e.Prepare(ctx, r)
	if err != nil || !ok {
		return false, err
	}
	if !e.hold(ctx, t, t.desc.Requester) {
		return false, nil
	}
	return e.Start(ctx, t), nil
}

// hold escrows t's cost from its charged party. On failure notify is told
// the cost and the task never leaves Created.
func (e *Engine) hold(ctx context.Context, t *Task, notify ActorID) bool {
	d := t.desc
	if !d.Escrowed() {
		return true
	}
	if err := e.escrow.Hold(ctx, t.id, d.ChargedParty, d.Cost); err != nil {
		e.deps.Notifier.Notify(ctx, notify, "teleport.cost.insufficient", e.formatCost(d.Cost))
		e.metrics.submission("insufficient_funds")
		return false
	}
	return true
}

// Prepare runs the validation half of Submit and returns a Created task.
// ok is false when a reported failure was already notified.
func (e *Engine) Prepare(ctx context.Context, r Request) (*Task, bool, error) {
	d, err := NewDescriptor(r)
	if err != nil {
		e.metrics.submission("precondition")
		return nil, false, err
	}

	if d.Subject == d.Target && !e.policy.AllowSelf {
		e.deps.Notifier.Notify(ctx, d.Requester, "command.teleport.self")
		e.metrics.submission("self")
		return nil, false, nil
	}

	other := d.Target
	if other == d.Requester {
		other = d.Subject
	}
	if !d.BypassToggle && !e.deps.Toggles.AcceptsRequests(ctx, other) && !e.deps.Permissions.HasOverride(ctx, d.Requester) {
		e.deps.Notifier.Notify(ctx, d.Requester, "teleport.fail.targettoggle", other)
		e.metrics.submission("toggle_blocked")
		return nil, false, nil
	}

	e.metrics.submission("accepted")
	return newTask(e, d), true, nil
}

// Start runs a Created task now or hands it to the scheduler.
func (e *Engine) Start(ctx context.Context, t *Task) bool {
	if t.desc.Warmup <= 0 {
		return t.Run(ctx) == OutcomeCompleted
	}

	if !t.transition(StateCreated, StateScheduled) {
		return false
	}
	e.warmups.add(ctx, t)
	e.deps.Notifier.Notify(ctx, t.desc.Requester, "teleport.warmup", t.warmupSeconds())

	h, err := e.deps.Scheduler.Schedule(ctx, t.desc.Warmup, t)
	if err != nil {
		e.logger.Printf("Schedule failed for task %s: %v", t.id, err)
		t.cancelWith(ctx, fmt.Errorf("%w: %v", ErrCancelled, err))
		return false
	}
	t.setHandle(h)
	return true
}
