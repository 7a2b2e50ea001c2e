package economy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/waypoint/backend/internal/teleport"
)

const balancesSchema = `CREATE TABLE IF NOT EXISTS balances (
	actor_id TEXT PRIMARY KEY,
	balance NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0)
)`

// PostgresLedger keeps balances in a single table. Withdrawals are a guarded
// UPDATE so concurrent charges can never overdraw.
type PostgresLedger struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresLedger(db), nil
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureSchema creates the balances table if it is missing.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, balancesSchema); err != nil {
		return fmt.Errorf("create balances table: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Deposit(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	query := `INSERT INTO balances (actor_id, balance) VALUES ($1, $2)
		ON CONFLICT (actor_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance`
	if _, err := l.db.ExecContext(ctx, query, string(actor), amount); err != nil {
		return fmt.Errorf("deposit %s: %w", actor, err)
	}
	return nil
}

func (l *PostgresLedger) Withdraw(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		"UPDATE balances SET balance = balance - $2 WHERE actor_id = $1 AND balance >= $2",
		string(actor), amount)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", actor, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", actor, err)
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (l *PostgresLedger) Balance(ctx context.Context, actor teleport.ActorID) (float64, error) {
	var balance float64
	err := l.db.QueryRowContext(ctx, "SELECT balance FROM balances WHERE actor_id = $1", string(actor)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", actor, err)
	}
	return balance, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
