package teleport

import (
	"context"
	"sync"
)

// Warmups tracks the one running warmup per moving actor. Starting a second
// warmup for the same actor cancels the first.
type Warmups struct {
	mu      sync.Mutex
	active  map[ActorID]*Task
	metrics *Metrics
}

func newWarmups(m *Metrics) *Warmups {
	return &Warmups{
		active:  make(map[ActorID]*Task),
		metrics: m,
	}
}

func (w *Warmups) add(ctx context.Context, t *Task) {
	w.mu.Lock()
	old := w.active[t.desc.Subject]
	w.active[t.desc.Subject] = t
	n := len(w.active)
	w.mu.Unlock()

	w.metrics.warmups(n)
	if old != nil && old != t {
		old.cancelWith(ctx, ErrSuperseded)
	}
}

func (w *Warmups) release(t *Task) {
	w.mu.Lock()
	if w.active[t.desc.Subject] == t {
		delete(w.active, t.desc.Subject)
	}
	n := len(w.active)
	w.mu.Unlock()
	w.metrics.warmups(n)
}

// CancelFor aborts the actor's warmup, if any. Movement and disconnect
// handlers call this.
func (w *Warmups) CancelFor(ctx context.Context, actor ActorID) bool {
	w.mu.Lock()
	t, ok := w.active[actor]
	delete(w.active, actor)
	w.mu.Unlock()

	if !ok {
		return false
	}
	return t.Cancel(ctx) == OutcomeCancelled
}

// Get returns the actor's running warmup.
func (w *Warmups) Get(actor ActorID) (*Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.active[actor]
	return t, ok
}

func (w *Warmups) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}
