package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/waypoint/backend/internal/teleport"
)

// RedisDirectory keeps actor state in Redis hashes so every server instance
// sees the same presence. One hash per actor plus a name index.
type RedisDirectory struct {
	SafetyRules

	client    *redis.Client
	keyPrefix string
}

func NewRedisDirectory(client *redis.Client, keyPrefix string, rules SafetyRules) *RedisDirectory {
	if keyPrefix == "" {
		keyPrefix = "waypoint:actor:"
	}
	return &RedisDirectory{SafetyRules: rules, client: client, keyPrefix: keyPrefix}
}

func (d *RedisDirectory) key(id teleport.ActorID) string { return d.keyPrefix + string(id) }
func (d *RedisDirectory) namesKey() string               { return d.keyPrefix + "names" }

func (d *RedisDirectory) SetOnline(ctx context.Context, id teleport.ActorID, name string, online bool) error {
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.key(id), "online", boolField(online))
	if name != "" {
		pipe.HSet(ctx, d.key(id), "name", name)
		pipe.HSet(ctx, d.namesKey(), strings.ToLower(name), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence %s: %w", id, err)
	}
	return nil
}

func (d *RedisDirectory) SetLocation(ctx context.Context, id teleport.ActorID, loc teleport.Location) error {
	if err := d.client.HSet(ctx, d.key(id), locationFields(loc)).Err(); err != nil {
		return fmt.Errorf("redis location %s: %w", id, err)
	}
	return nil
}

func (d *RedisDirectory) load(ctx context.Context, id teleport.ActorID) (Actor, bool, error) {
	fields, err := d.client.HGetAll(ctx, d.key(id)).Result()
	if err != nil {
		return Actor{}, false, err
	}
	if len(fields) == 0 {
		return Actor{}, false, nil
	}
	return actorFromFields(id, fields), true, nil
}

// Lookup returns the stored state of id.
func (d *RedisDirectory) Lookup(ctx context.Context, id teleport.ActorID) (Actor, bool) {
	a, ok, err := d.load(ctx, id)
	if err != nil {
		slog.Warn("Redis presence lookup failed", "actor", id, "error", err)
		return Actor{}, false
	}
	return a, ok
}

func (d *RedisDirectory) IsReachable(ctx context.Context, id teleport.ActorID) bool {
	online, err := d.client.HGet(ctx, d.key(id), "online").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Redis presence check failed", "actor", id, "error", err)
		}
		return false
	}
	return online == "1"
}

func (d *RedisDirectory) Resolve(ctx context.Context, ref string) (teleport.ActorID, bool) {
	n, err := d.client.Exists(ctx, d.key(teleport.ActorID(ref))).Result()
	if err == nil && n > 0 {
		return teleport.ActorID(ref), true
	}
	id, err := d.client.HGet(ctx, d.namesKey(), strings.ToLower(ref)).Result()
	if err != nil {
		return "", false
	}
	return teleport.ActorID(id), true
}

func (d *RedisDirectory) Locate(ctx context.Context, id teleport.ActorID) (teleport.Location, error) {
	a, ok, err := d.load(ctx, id)
	if err != nil {
		return teleport.Location{}, fmt.Errorf("redis locate %s: %w", id, err)
	}
	if !ok || !a.Online {
		return teleport.Location{}, fmt.Errorf("actor %s is not online", id)
	}
	return a.Location, nil
}

func (d *RedisDirectory) Move(ctx context.Context, id teleport.ActorID, to teleport.Location) error {
	if !d.IsReachable(ctx, id) {
		return fmt.Errorf("actor %s is not online", id)
	}
	return d.SetLocation(ctx, id, to)
}

func (d *RedisDirectory) AcceptsRequests(ctx context.Context, id teleport.ActorID) bool {
	v, err := d.client.HGet(ctx, d.key(id), "accepting").Result()
	if err != nil {
		return true
	}
	return v != "0"
}

func (d *RedisDirectory) SetAccepting(ctx context.Context, id teleport.ActorID, accepting bool) error {
	if err := d.client.HSet(ctx, d.key(id), "accepting", boolField(accepting)).Err(); err != nil {
		return fmt.Errorf("redis toggle %s: %w", id, err)
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func locationFields(loc teleport.Location) map[string]any {
	return map[string]any{
		"world": loc.World,
		"x":     loc.X,
		"y":     loc.Y,
		"z":     loc.Z,
		"yaw":   loc.Yaw,
		"pitch": loc.Pitch,
	}
}

func actorFromFields(id teleport.ActorID, f map[string]string) Actor {
	num := func(k string) float64 {
		v, _ := strconv.ParseFloat(f[k], 64)
		return v
	}
	return Actor{
		ID:        id,
		Name:      f["name"],
		Online:    f["online"] == "1",
		Accepting: f["accepting"] != "0",
		Location: teleport.Location{
			World: f["world"],
			X:     num("x"),
			Y:     num("y"),
			Z:     num("z"),
			Yaw:   num("yaw"),
			Pitch: num("pitch"),
		},
	}
}
