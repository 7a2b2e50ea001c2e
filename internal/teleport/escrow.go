package teleport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/waypoint/backend/internal/audit"
)

// DeadLetter is a refund the economy rejected. Deposits are not retried
// because they are not idempotent; an operator settles these by hand.
type DeadLetter struct {
	Ref       string    `json:"ref"`
	Party     ActorID   `json:"party"`
	Amount    float64   `json:"amount"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Escrow tracks money withheld for pending teleports. Each hold is keyed by
// the owning task ID and is closed exactly once, by Refund or Settle.
type Escrow struct {
	mu         sync.Mutex
	economy    Economy
	trail      *audit.Ledger
	open       map[string]hold
	deadLetter []DeadLetter
	logger     *log.Logger
	clock      func() time.Time
}

type hold struct {
	party  ActorID
	amount float64
}

// NewEscrow wraps an economy. trail may be nil.
func NewEscrow(economy Economy, trail *audit.Ledger) *Escrow {
	if trail == nil {
		trail = audit.NewLedger()
	}
	return &Escrow{
		economy: economy,
		trail:   trail,
		open:    make(map[string]hold),
		logger:  log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
		clock:   time.Now,
	}
}

// Hold withdraws amount from party and records it under ref.
func (e *Escrow) Hold(ctx context.Context, ref string, party ActorID, amount float64) error {
	if party == "" || amount <= 0 {
		return nil
	}
	if err := e.economy.Withdraw(ctx, party, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	e.mu.Lock()
	e.open[ref] = hold{party: party, amount: amount}
	e.mu.Unlock()

	e.trail.Append(string(party), "HOLD", ref, amount)
	e.logger.Printf("Held %.2f from %s (ref=%s)", amount, party, ref)
	return nil
}

// Refund deposits the held amount back to its owner and closes ref. Only
// an open hold is refunded, so the economy sees at most one deposit per
// ref and never a deposit that was not first withdrawn.
func (e *Escrow) Refund(ctx context.Context, ref string) bool {
	h, ok := e.take(ref)
	if !ok {
		return false
	}

	if err := e.economy.Deposit(ctx, h.party, h.amount); err != nil {
		e.logger.Printf("Refund of %.2f to %s dead-lettered (ref=%s): %v", h.amount, h.party, ref, err)
		e.mu.Lock()
		e.deadLetter = append(e.deadLetter, DeadLetter{
			Ref:       ref,
			Party:     h.party,
			Amount:    h.amount,
			LastError: err.Error(),
			FailedAt:  e.clock(),
		})
		e.mu.Unlock()
		e.trail.Append(string(h.party), "REFUND_FAILED", ref, h.amount)
		return false
	}

	e.trail.Append(string(h.party), "REFUND", ref, h.amount)
	e.logger.Printf("Refunded %.2f to %s (ref=%s)", h.amount, h.party, ref)
	return true
}

// Settle closes ref without moving money; the charge is kept.
func (e *Escrow) Settle(ref string) bool {
	h, ok := e.take(ref)
	if !ok {
		return false
	}
	e.trail.Append(string(h.party), "SETTLE", ref, h.amount)
	return true
}

// take removes ref from the open set. Whoever removes it owns the close.
func (e *Escrow) take(ref string) (hold, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.open[ref]
	if ok {
		delete(e.open, ref)
	}
	return h, ok
}

// Open returns the number of holds not yet refunded or settled.
func (e *Escrow) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// DeadLetters returns a copy of the failed refunds.
func (e *Escrow) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeadLetter, len(e.deadLetter))
	copy(out, e.deadLetter)
	return out
}

// Trail exposes the audit ledger.
func (e *Escrow) Trail() *audit.Ledger {
	return e.trail
}
