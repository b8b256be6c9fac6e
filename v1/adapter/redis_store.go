package adapter

import (
	"context"
	stdErrors "errors"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second

	// DefaultPrefix namespaces every key written by the lock service.
	DefaultPrefix = "BORG_LOCKSERVICE"

	pidSuffix = ":pid"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend. Each resource maps to
// the key "<prefix>:<resource>:pid" holding the decimal pid.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the key namespace.
func WithPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = p
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, prefix: o.prefix}
}

func (s *RedisStore) key(resource string) string {
	return s.prefix + ":" + resource + pidSuffix
}

func (s *RedisStore) resource(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), pidSuffix)
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	default:
		return err
	}
}

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, resource string, pid int, ttl time.Duration) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if pid <= 0 {
		return lockerrors.ErrInvalidPID
	}
	if ttl < 0 {
		ttl = 0
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapRedisErr(s.client.Set(cctx, s.key(resource), strconv.Itoa(pid), ttl).Err())
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, resource string) (int, bool, error) {
	if err := checkContext(ctx); err != nil {
		return 0, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pid, err := s.client.Get(cctx, s.key(resource)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapRedisErr(err)
	}
	return pid, true, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, resource string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapRedisErr(s.client.Del(cctx, s.key(resource)).Err())
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, resource string, pid int) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{s.key(resource)}, strconv.Itoa(pid)).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// Keys implements Store.Keys using SCAN over the prefix.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cursor uint64
	var keys []string
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.client.Scan(cctx, cursor, s.prefix+":*"+pidSuffix, 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, s.resource(k))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}
