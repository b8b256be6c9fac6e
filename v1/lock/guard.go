package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Guard is a short-lived mutual exclusion between workers, used to keep
// background chores such as the reaper sweep from running on every worker
// at once. It is not used for repository locks.
type Guard interface {
	// TryLock attempts to obtain the guard without waiting. A positive ttl
	// makes the guard lapse on its own.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees a guard obtained by this instance.
	Release(ctx context.Context, key string) error
}

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisGuard implements Guard using a Redis backend.
type RedisGuard struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisGuard returns a new Redis guard using the provided client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, tokens: make(map[string]string)}
}

// TryLock attempts to obtain the guard without waiting.
func (r *RedisGuard) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Release frees the guard for the given key. A guard that already lapsed
// and was taken by another worker is left alone.
func (r *RedisGuard) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := delScript.Run(ctx, r.client, []string{key}, token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err == nil {
		r.mu.Lock()
		delete(r.tokens, key)
		r.mu.Unlock()
	}
	return err
}

// InMemoryGuard implements Guard within one process.
type InMemoryGuard struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

// NewInMemoryGuard returns a new in-memory guard.
func NewInMemoryGuard() *InMemoryGuard {
	return &InMemoryGuard{locks: make(map[string]time.Time)}
}

// TryLock attempts to obtain the guard without waiting.
func (g *InMemoryGuard) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, held := g.locks[key]; held && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	g.locks[key] = exp
	return true, nil
}

// Release frees the guard for the given key.
func (g *InMemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	delete(g.locks, key)
	g.mu.Unlock()
	return nil
}
