package economy

import (
	"context"
	"sync"

	"github.com/waypoint/backend/internal/teleport"
)

// MemoryLedger keeps balances in a map. Used for local development and as
// the fallback when no backend is configured.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[teleport.ActorID]float64
	starting float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[teleport.ActorID]float64)}
}

// WithStartingBalance credits accounts the ledger has not seen yet.
func (l *MemoryLedger) WithStartingBalance(amount float64) *MemoryLedger {
	l.starting = amount
	return l
}

func (l *MemoryLedger) account(actor teleport.ActorID) float64 {
	b, ok := l.balances[actor]
	if !ok {
		b = l.starting
		l.balances[actor] = b
	}
	return b
}

// Open sets the starting balance of an account.
func (l *MemoryLedger) Open(actor teleport.ActorID, initial float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[actor] = initial
}

func (l *MemoryLedger) Deposit(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[actor] = l.account(actor) + amount
	return nil
}

func (l *MemoryLedger) Withdraw(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.account(actor) < amount {
		return ErrInsufficientFunds
	}
	l.balances[actor] -= amount
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, actor teleport.ActorID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account(actor), nil
}
