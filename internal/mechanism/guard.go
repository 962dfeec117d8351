package mechanism

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/stabilization"
)

const (
	redisKeyPrefix = "pegstab:action:"
	pendingMarker  = "pending"
)

// ErrInFlight is returned when another worker is still submitting the same
// instruction.
var ErrInFlight = fmt.Errorf("instruction already in flight: %w", stabilization.ErrTransient)

// Guard makes submission idempotent per key. A successful receipt is
// remembered and replayed with Duplicate set; a failed attempt is forgotten
// so it may be retried.
type Guard interface {
	Do(ctx context.Context, key string, submit func(ctx context.Context) (Receipt, error)) (Receipt, error)
}

// MemoryGuard keeps receipts in process memory. Only calls for the same key
// wait on each other.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
}

type guardEntry struct {
	done chan struct{}
	rec  Receipt
	ok   bool
}

// NewMemoryGuard constructs an empty guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]*guardEntry)}
}

// Do implements Guard. A call that finds the key in flight waits for it and
// then replays the receipt, or claims the key itself if that attempt failed.
func (g *MemoryGuard) Do(ctx context.Context, key string, submit func(ctx context.Context) (Receipt, error)) (Receipt, error) {
	for {
		g.mu.Lock()
		entry, found := g.entries[key]
		if !found {
			entry = &guardEntry{done: make(chan struct{})}
			g.entries[key] = entry
			g.mu.Unlock()
			return g.claim(ctx, key, entry, submit)
		}
		g.mu.Unlock()

		select {
		case <-entry.done:
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %w", ErrInFlight, ctx.Err())
		}
		if entry.ok {
			rec := entry.rec
			rec.Details = cloneDetails(rec.Details)
			rec.Duplicate = true
			return rec, nil
		}
	}
}

func (g *MemoryGuard) claim(ctx context.Context, key string, entry *guardEntry, submit func(ctx context.Context) (Receipt, error)) (Receipt, error) {
	// A failed or panicking submit forgets the key so waiters may retry.
	defer func() {
		if !entry.ok {
			g.mu.Lock()
			delete(g.entries, key)
			g.mu.Unlock()
		}
		close(entry.done)
	}()

	rec, err := submit(ctx)
	if err != nil {
		return Receipt{}, err
	}
	entry.rec = rec
	entry.rec.Details = cloneDetails(rec.Details)
	entry.ok = true
	return rec, nil
}

// redisStore is the subset of the go-redis client used by RedisGuard.
type redisStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard shares idempotency keys between processes.
type RedisGuard struct {
	client redisStore
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisGuard wires a redis client. ttl bounds how long receipts are kept;
// zero keeps them forever.
func NewRedisGuard(client redisStore, ttl time.Duration, logger zerolog.Logger) *RedisGuard {
	return &RedisGuard{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_guard").Logger(),
	}
}

// Do implements Guard.
func (g *RedisGuard) Do(ctx context.Context, key string, submit func(ctx context.Context) (Receipt, error)) (Receipt, error) {
	rkey := redisKeyPrefix + key

	claimed, err := g.client.SetNX(ctx, rkey, pendingMarker, g.ttl).Result()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: claim %s: %w", stabilization.ErrTransient, key, err)
	}
	if !claimed {
		return g.replay(ctx, rkey)
	}

	rec, err := submit(ctx)
	if err != nil {
		if delErr := g.client.Del(context.WithoutCancel(ctx), rkey).Err(); delErr != nil {
			g.logger.Warn().Err(delErr).Str("key", rkey).Msg("failed to release idempotency key")
		}
		return Receipt{}, err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode receipt: %w", err)
	}
	if err := g.client.Set(context.WithoutCancel(ctx), rkey, body, g.ttl).Err(); err != nil {
		// The effect already happened; keep the pending marker so no one resubmits.
		g.logger.Error().Err(err).Str("key", rkey).Msg("failed to store receipt")
	}
	return rec, nil
}

func (g *RedisGuard) replay(ctx context.Context, rkey string) (Receipt, error) {
	raw, err := g.client.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrInFlight
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: read receipt: %w", stabilization.ErrTransient, err)
	}
	if raw == pendingMarker {
		return Receipt{}, ErrInFlight
	}
	var rec Receipt
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	rec.Duplicate = true
	return rec, nil
}

var (
	_ Guard      = (*MemoryGuard)(nil)
	_ Guard      = (*RedisGuard)(nil)
	_ redisStore = (*redis.Client)(nil)
)
