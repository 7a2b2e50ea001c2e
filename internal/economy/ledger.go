// Package economy holds the balance backends the teleport engine charges
// and refunds through: an in-memory ledger, Redis and Postgres.
package economy

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds = errors.New("economy: insufficient funds")
	ErrInvalidAmount     = errors.New("economy: amount must be positive")
)

func checkAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %.2f", ErrInvalidAmount, amount)
	}
	return nil
}
