package economy

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/waypoint/backend/internal/teleport"
)

// redisWithdrawScript debits only when the balance covers the amount.
// KEYS[1] = balance key
// ARGV[1] = amount
var redisWithdrawScript = redis.NewScript(`
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if balance < amount then
    return 0
end
redis.call("INCRBYFLOAT", KEYS[1], -amount)
return 1
`)

// RedisLedger stores balances as float strings so every instance of the
// server charges against the same accounts.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisLedger(client *redis.Client, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "waypoint:balance:"
	}
	return &RedisLedger{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLedger) key(actor teleport.ActorID) string {
	return l.keyPrefix + string(actor)
}

func (l *RedisLedger) Deposit(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := l.client.IncrByFloat(ctx, l.key(actor), amount).Err(); err != nil {
		return fmt.Errorf("redis deposit %s: %w", actor, err)
	}
	return nil
}

func (l *RedisLedger) Withdraw(ctx context.Context, actor teleport.ActorID, amount float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	ok, err := redisWithdrawScript.Run(ctx, l.client, []string{l.key(actor)}, amount).Int()
	if err != nil {
		return fmt.Errorf("redis withdraw %s: %w", actor, err)
	}
	if ok == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (l *RedisLedger) Balance(ctx context.Context, actor teleport.ActorID) (float64, error) {
	v, err := l.client.Get(ctx, l.key(actor)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis balance %s: %w", actor, err)
	}
	return v, nil
}
