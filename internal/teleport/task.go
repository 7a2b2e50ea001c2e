package teleport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a task lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Outcome is the tagged result of a task.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Task is one deferred teleport. It moves from Created to exactly one of
// Completed or Cancelled; the cancellation path refunds any escrow once.
type Task struct {
	id      string
	desc    Descriptor
	engine  *Engine
	state   atomic.Int32
	created time.Time

	mu     sync.Mutex
	handle Handle
	reason error
	done   chan struct{}
}

func newTask(e *Engine, d Descriptor) *Task {
	return &Task{
		id:      uuid.New().String(),
		desc:    d,
		engine:  e,
		created: e.clock(),
		done:    make(chan struct{}),
	}
}

func (t *Task) ID() string             { return t.id }
func (t *Task) Descriptor() Descriptor { return t.desc }
func (t *Task) State() State           { return State(t.state.Load()) }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome maps the current state onto the tagged result.
func (t *Task) Outcome() Outcome {
	switch t.State() {
	case StateCompleted:
		return OutcomeCompleted
	case StateCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// Reason is the cancellation cause, nil unless the task was cancelled.
func (t *Task) Reason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Task) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// setHandle stores the scheduler handle. A task cancelled while it was being
// scheduled stops the handle immediately.
func (t *Task) setHandle(h Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
	if t.State() == StateCancelled {
		h.Stop()
	}
}

func (t *Task) stopHandle() bool {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return true
	}
	return h.Stop()
}

// Run is invoked by the scheduler when the warmup elapses, or directly for
// immediate teleports. It is a no-op on a task that already left the
// Created/Scheduled states.
func (t *Task) Run(ctx context.Context) Outcome {
	if !t.transition(StateScheduled, StateRunning) && !t.transition(StateCreated, StateRunning) {
		return t.Outcome()
	}
	return t.execute(ctx)
}

// Cancel is the cancellation entry point. It is safe before the task was
// ever scheduled and does nothing once the task is running or terminal.
func (t *Task) Cancel(ctx context.Context) Outcome {
	return t.cancelWith(ctx, ErrCancelled)
}

func (t *Task) cancelWith(ctx context.Context, reason error) Outcome {
	for {
		s := t.State()
		if s != StateCreated && s != StateScheduled {
			return t.Outcome()
		}
		if t.transition(s, StateCancelled) {
			break
		}
	}
	t.stopHandle()
	t.finishCancel(ctx, reason)
	return OutcomeCancelled
}

// Confirm is the path a pending request takes once answered. A Created task
// is started through the engine, so its warmup still applies. A Scheduled
// task has its timer stopped and runs now.
func (t *Task) Confirm(ctx context.Context) bool {
	switch t.State() {
	case StateCreated:
		return t.engine.Start(ctx, t)
	case StateScheduled:
		if !t.stopHandle() {
			return false
		}
		return t.Run(ctx) == OutcomeCompleted
	default:
		return false
	}
}

func (t *Task) execute(ctx context.Context) Outcome {
	d := t.desc
	deps := t.engine.deps

	if !deps.Presence.IsReachable(ctx, d.Subject) || !deps.Presence.IsReachable(ctx, d.Target) {
		t.notifySource(ctx, "teleport.fail")
		return t.abort(ctx, ErrTargetUnreachable)
	}

	dest, err := deps.World.Locate(ctx, d.Target)
	if err != nil {
		t.engine.logger.Printf("Locate %s failed (task=%s): %v", d.Target, t.id, err)
		t.notifySource(ctx, "teleport.fail")
		return t.abort(ctx, fmt.Errorf("%w: %v", ErrTargetUnreachable, err))
	}

	if d.SafeMode && !deps.Safety.IsSafeDestination(ctx, dest) {
		t.notifySource(ctx, "teleport.nosafe")
		return t.abort(ctx, ErrUnsafeDestination)
	}

	if err := deps.World.Move(ctx, d.Subject, dest); err != nil {
		t.engine.logger.Printf("Move %s -> %s failed (task=%s): %v", d.Subject, dest, t.id, err)
		t.notifySource(ctx, "teleport.fail")
		return t.abort(ctx, fmt.Errorf("%w: %v", ErrTargetUnreachable, err))
	}

	if !t.transition(StateRunning, StateCompleted) {
		return t.Outcome()
	}

	if d.Requester != d.Subject && !d.SilentSource {
		deps.Notifier.Notify(ctx, d.Requester, "teleport.success.source", d.Subject, d.Target)
	}
	deps.Notifier.Notify(ctx, d.Subject, "teleport.success", d.Target)
	if !d.SilentSource {
		deps.Notifier.Notify(ctx, d.Target, "teleport.from.success", d.Subject)
	}

	t.engine.escrow.Settle(t.id)
	t.finish(OutcomeCompleted, nil)
	return OutcomeCompleted
}

// abort turns a failed run into a cancellation so any escrow is returned.
func (t *Task) abort(ctx context.Context, reason error) Outcome {
	if !t.transition(StateRunning, StateCancelled) {
		return t.Outcome()
	}
	t.finishCancel(ctx, reason)
	return OutcomeCancelled
}

func (t *Task) finishCancel(ctx context.Context, reason error) {
	d := t.desc
	t.notifySource(ctx, "teleport.cancelled")

	if d.Escrowed() && t.engine.escrow.Refund(ctx, t.id) {
		t.engine.metrics.refund(d.Cost)
		t.engine.deps.Notifier.Notify(ctx, d.ChargedParty, "teleport.prep.cancel", t.engine.formatCost(d.Cost))
	}
	t.finish(OutcomeCancelled, reason)
}

func (t *Task) finish(o Outcome, reason error) {
	t.mu.Lock()
	t.reason = reason
	t.mu.Unlock()

	t.engine.warmups.release(t)
	t.engine.metrics.outcome(o, reason)
	if reason != nil && !errors.Is(reason, ErrCancelled) {
		t.engine.logger.Printf("Task %s %s: %v", t.id, o, reason)
	}
	close(t.done)
}

func (t *Task) notifySource(ctx context.Context, key string, params ...any) {
	if t.desc.SilentSource {
		return
	}
	t.engine.deps.Notifier.Notify(ctx, t.desc.Requester, key, params...)
}

func (t *Task) warmupSeconds() string {
	return strconv.Itoa(int(t.desc.Warmup / time.Second))
}
