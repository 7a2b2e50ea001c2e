package teleport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingRequest is a teleport waiting for the keyed actor to answer.
type PendingRequest struct {
	ID           string
	Key          ActorID
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ChargedParty ActorID
	Cost         float64
	Task         *Task
}

// Table maps an actor to at most one PendingRequest. Every operation first
// sweeps expired entries, and every operation runs under one lock, so a
// concurrent Put and TakeAndExecute on the same key resolve to exactly one
// of "execute old" or "cancel old".
type Table struct {
	mu      sync.Mutex
	entries map[ActorID]*PendingRequest
	ttl     time.Duration
	clock   func() time.Time
	metrics *Metrics
	logger  *log.Logger

	sweepMu sync.Mutex
	stopCh  chan struct{}
}

// NewTable creates a table sharing the engine's clock, TTL and metrics.
func NewTable(e *Engine) *Table {
	return &Table{
		entries: make(map[ActorID]*PendingRequest),
		ttl:     e.policy.PendingTTL,
		clock:   e.clock,
		metrics: e.metrics,
		logger:  log.New(log.Writer(), "[PENDING] ", log.LstdFlags),
	}
}

// NewRequest wraps a task in a request that expires one TTL from now.
func (tb *Table) NewRequest(key ActorID, t *Task) *PendingRequest {
	now := tb.clock()
	d := t.Descriptor()
	return &PendingRequest{
		ID:           uuid.New().String(),
		Key:          key,
		CreatedAt:    now,
		ExpiresAt:    now.Add(tb.ttl),
		ChargedParty: d.ChargedParty,
		Cost:         d.Cost,
		Task:         t,
	}
}

// Put inserts req under key. An existing entry is cancelled, and its escrow
// refunded, before req becomes visible.
func (tb *Table) Put(ctx context.Context, key ActorID, req *PendingRequest) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.purgeLocked(ctx)

	if old, ok := tb.entries[key]; ok {
		delete(tb.entries, key)
		tb.cancelLocked(ctx, old, ErrSuperseded)
		tb.metrics.eviction("superseded")
		tb.logger.Printf("Superseded request %s for %s", old.ID, key)
	}

	req.Key = key
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = tb.clock().Add(tb.ttl)
	}
	tb.entries[key] = req
	tb.metrics.pending(len(tb.entries))
}

// PurgeExpired cancels and evicts every entry whose expiry has been reached.
func (tb *Table) PurgeExpired(ctx context.Context) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.purgeLocked(ctx)
}

func (tb *Table) purgeLocked(ctx context.Context) int {
	now := tb.clock()
	n := 0
	for key, req := range tb.entries {
		if now.Before(req.ExpiresAt) {
			continue
		}
		delete(tb.entries, key)
		tb.cancelLocked(ctx, req, ErrExpired)
		tb.metrics.eviction("expired")
		n++
	}
	if n > 0 {
		tb.logger.Printf("Expired %d pending requests", n)
		tb.metrics.pending(len(tb.entries))
	}
	return n
}

func (tb *Table) cancelLocked(ctx context.Context, req *PendingRequest, reason error) {
	if req.Task == nil {
		return
	}
	req.Task.cancelWith(ctx, reason)
}

// TakeAndExecute removes the entry for key and confirms its task. It reports
// whether an entry was present; the task notifies the teleport result.
func (tb *Table) TakeAndExecute(ctx context.Context, key ActorID) bool {
	req, ok := tb.Take(ctx, key)
	if !ok {
		return false
	}
	if req.Task != nil {
		req.Task.Confirm(ctx)
	}
	return true
}

// Take removes and returns the entry for key without executing it.
func (tb *Table) Take(ctx context.Context, key ActorID) (*PendingRequest, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.purgeLocked(ctx)
	req, ok := tb.entries[key]
	if ok {
		delete(tb.entries, key)
		tb.metrics.pending(len(tb.entries))
	}
	return req, ok
}

// Peek returns a copy of the entry for key, leaving it in place.
func (tb *Table) Peek(ctx context.Context, key ActorID) (PendingRequest, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.purgeLocked(ctx)
	req, ok := tb.entries[key]
	if !ok {
		return PendingRequest{}, false
	}
	return *req, true
}

func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.entries)
}

// StartSweeper purges on a timer so expired escrow is returned even when
// nobody touches the table.
func (tb *Table) StartSweeper(interval time.Duration) {
	tb.sweepMu.Lock()
	defer tb.sweepMu.Unlock()
	if tb.stopCh != nil || interval <= 0 {
		return
	}
	tb.stopCh = make(chan struct{})
	go tb.sweep(interval, tb.stopCh)
}

func (tb *Table) sweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tb.logger.Printf("Started pending sweeper (interval=%s, ttl=%s)", interval, tb.ttl)
	for {
		select {
		case <-ticker.C:
			tb.PurgeExpired(context.Background())
		case <-stop:
			tb.logger.Println("Pending sweeper stopped")
			return
		}
	}
}

// Stop halts the sweeper. Pending entries are left in place.
func (tb *Table) Stop() {
	tb.sweepMu.Lock()
	defer tb.sweepMu.Unlock()
	if tb.stopCh != nil {
		close(tb.stopCh)
		tb.stopCh = nil
	}
}

// Drain cancels every pending entry. Used on shutdown.
func (tb *Table) Drain(ctx context.Context) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := len(tb.entries)
	for key, req := range tb.entries {
		delete(tb.entries, key)
		tb.cancelLocked(ctx, req, ErrShutdown)
	}
	tb.metrics.pending(0)
	return n
}
