package presets

import (
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-borglock/v1/adapter"
	"github.com/mirkobrombin/go-borglock/v1/envoy"
	"github.com/mirkobrombin/go-borglock/v1/lock"
	"github.com/mirkobrombin/go-borglock/v1/repo"
	"github.com/mirkobrombin/go-borglock/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures a worker sharing its lock state through Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// RepoDir is the directory whose subdirectories are the repositories.
	RepoDir string
	// Holder launches envoys. Nil selects envoy.NewProcessHolder().
	Holder envoy.Holder
	// Events publishes lock events on the Redis channel when Bus is nil.
	Events bool
	// Bus overrides the event bus, for example with NATS or Kafka.
	Bus syncbus.Bus

	MaxHold      time.Duration
	ReapInterval time.Duration
	Logger       *slog.Logger
}

// Stack is a ready Coordinator plus the pieces it was built from.
type Stack struct {
	Coordinator *lock.Coordinator
	Reaper      *lock.Reaper
	Bus         syncbus.Bus
	Client      *redis.Client
}

// Close releases the Redis connection, if any.
func (s *Stack) Close() error {
	if s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

func coordinatorOptions(bus syncbus.Bus, maxHold time.Duration, logger *slog.Logger) []lock.Option {
	opts := []lock.Option{lock.WithLogger(logger)}
	if bus != nil {
		opts = append(opts, lock.WithBus(syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)))
	}
	if maxHold > 0 {
		opts = append(opts, lock.WithMaxHold(maxHold))
	}
	return opts
}

// NewRedis builds a worker that keeps lock entries in Redis, so any number
// of workers sharing that Redis and the repository directory agree on who
// holds which lock. The reaper is guarded through the same Redis.
func NewRedis(opts RedisOptions) (*Stack, error) {
	dir, err := repo.Load(opts.RepoDir)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	holder := opts.Holder
	if holder == nil {
		holder = envoy.NewProcessHolder(envoy.WithLogger(opts.Logger))
	}
	bus := opts.Bus
	if bus == nil && opts.Events {
		bus = syncbus.NewRedisBus(client, syncbus.DefaultRedisChannel)
	}

	c := lock.New(dir, adapter.NewRedisStore(client), holder, coordinatorOptions(bus, opts.MaxHold, opts.Logger)...)
	return &Stack{
		Coordinator: c,
		Reaper:      lock.NewReaper(c, lock.NewRedisGuard(client), opts.ReapInterval),
		Bus:         bus,
		Client:      client,
	}, nil
}

// NewInMemory builds a single worker with no external dependencies. Its
// lock state does not survive a restart and is not shared.
func NewInMemory(repoDir string, holder envoy.Holder) (*Stack, error) {
	dir, err := repo.Load(repoDir)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		holder = envoy.NewProcessHolder()
	}
	bus := syncbus.NewInMemoryBus()
	c := lock.New(dir, adapter.NewInMemoryStore(), holder, lock.WithBus(bus))
	return &Stack{
		Coordinator: c,
		Reaper:      lock.NewReaper(c, lock.NewInMemoryGuard(), 0),
		Bus:         bus,
	}, nil
}
