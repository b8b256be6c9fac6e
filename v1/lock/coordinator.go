package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-borglock/v1/adapter"
	"github.com/mirkobrombin/go-borglock/v1/envoy"
	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
	"github.com/mirkobrombin/go-borglock/v1/handshake"
	"github.com/mirkobrombin/go-borglock/v1/metrics"
	"github.com/mirkobrombin/go-borglock/v1/repo"
	"github.com/mirkobrombin/go-borglock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-borglock/v1/lock")

const (
	// DefaultAcquireTimeout is used when Acquire is called without a timeout.
	DefaultAcquireTimeout = time.Hour
	// DefaultMaxHold bounds how long an envoy keeps a lock when the caller
	// does not say.
	DefaultMaxHold = 24 * time.Hour
	// DefaultTTLGrace is added to the max hold to form the store entry TTL.
	DefaultTTLGrace = time.Minute
)

// Phase is a step of the per-attempt protocol, used in logs and traces.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseSpawning          Phase = "spawning"
	PhaseAwaitingHandshake Phase = "awaiting_handshake"
	PhaseHeld              Phase = "held"
	PhaseFailed            Phase = "failed"
	PhaseReleasing         Phase = "releasing"
)

// State is the lock state of a repository as seen through the store.
type State int

const (
	StateUnknown State = iota
	StateLocked
	StateStale
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "Locked"
	case StateStale:
		return "Stale"
	default:
		return "Unknown"
	}
}

// Lock is a successful acquisition.
type Lock struct {
	Resource string
	PID      int
}

// Status is the result of a status read. PID is set for StateLocked and
// StateStale.
type Status struct {
	Resource string
	State    State
	PID      int
}

// Coordinator implements acquire, release and status on top of a shared
// Store and a Holder. It keeps no lock state of its own and is safe for
// concurrent use.
type Coordinator struct {
	dir    *repo.Directory
	store  adapter.Store
	holder envoy.Holder
	bus    syncbus.Bus
	logger *slog.Logger

	socketDir string
	maxHold   time.Duration
	ttlGrace  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus publishes lock events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSocketDir sets the parent directory for handshake channels.
func WithSocketDir(dir string) Option {
	return func(c *Coordinator) {
		c.socketDir = dir
	}
}

// WithMaxHold sets the hold bound used when Acquire gets none. Zero means
// envoys hold until released.
func WithMaxHold(d time.Duration) Option {
	return func(c *Coordinator) {
		c.maxHold = d
	}
}

// WithTTLGrace sets how long a store entry outlives its envoy's max hold.
func WithTTLGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		c.ttlGrace = d
	}
}

// New returns a Coordinator serving the repositories in dir.
func New(dir *repo.Directory, store adapter.Store, holder envoy.Holder, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:      dir,
		store:    store,
		holder:   holder,
		logger:   slog.Default(),
		maxHold:  DefaultMaxHold,
		ttlGrace: DefaultTTLGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the repository names in order.
func (c *Coordinator) List() []string {
	return c.dir.Names()
}

func (c *Coordinator) entryTTL(maxHold time.Duration) time.Duration {
	if maxHold <= 0 {
		return 0
	}
	return maxHold + c.ttlGrace
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Acquire takes the lock on the named repository. It spawns an envoy and
// waits up to timeout for it to report; a missing report yields
// errors.ErrLocked and leaves no store entry. maxHold bounds how long the
// envoy keeps the lock; zero selects the coordinator default.
//
// An envoy that gets the lock after the wait expired finds no channel to
// report to and exits, handing the lock back.
func (c *Coordinator) Acquire(ctx context.Context, name string, timeout, maxHold time.Duration) (Lock, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Acquire", trace.WithAttributes(attribute.String("borglock.repo", name)))
	defer span.End()

	res, err := c.dir.Find(name)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues("not_found").Inc()
		return Lock{}, fail(span, err)
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	if maxHold <= 0 {
		maxHold = c.maxHold
	}
	log := c.logger.With("repo", name)

	ch, err := handshake.Open(c.socketDir)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		return Lock{}, fail(span, err)
	}
	defer ch.Close()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug("acquire", "phase", PhaseSpawning, "socket", ch.Path())
	start := time.Now()
	spec := envoy.Spec{Resource: name, Path: res.Path, Socket: ch.Path(), Wait: timeout, MaxHold: maxHold}
	if err := c.holder.Spawn(wctx, spec); err != nil {
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		log.Error("acquire", "phase", PhaseFailed, "error", err)
		return Lock{}, fail(span, err)
	}

	log.Debug("acquire", "phase", PhaseAwaitingHandshake, "timeout", timeout)
	metrics.InflightGauge.Inc()
	pid, err := ch.Accept(wctx)
	metrics.InflightGauge.Dec()
	if err != nil {
		if errors.Is(err, lockerrors.ErrTimeout) {
			metrics.AcquireCounter.WithLabelValues("locked").Inc()
			log.Info("envoy timed out, cannot acquire lock", "phase", PhaseFailed, "timeout", timeout)
			return Lock{}, fail(span, fmt.Errorf("repo %q: %w (%w)", name, lockerrors.ErrLocked, lockerrors.ErrTimeout))
		}
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		log.Warn("acquire", "phase", PhaseFailed, "error", err)
		return Lock{}, fail(span, err)
	}
	metrics.HandshakeLatency.Observe(time.Since(start).Seconds())

	if err := c.store.Put(ctx, name, pid, c.entryTTL(maxHold)); err != nil {
		// The envoy holds the lock but no worker could ever release it.
		if serr := c.holder.Signal(pid, syscall.SIGTERM); serr != nil {
			log.Error("cannot terminate unrecorded envoy", "pid", pid, "error", serr)
		}
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		return Lock{}, fail(span, fmt.Errorf("record lock on %q: %w", name, err))
	}

	span.SetAttributes(attribute.Int("borglock.pid", pid))
	metrics.AcquireCounter.WithLabelValues("ok").Inc()
	log.Info("envoy confirmed lock", "phase", PhaseHeld, "pid", pid)
	c.publish(ctx, syncbus.KindAcquired, name, pid)
	return Lock{Resource: name, PID: pid}, nil
}

// Release gives the lock on the named repository back. callerPID must match
// the recorded holder or errors.ErrForbidden is returned and the entry is
// left alone. Releasing a repository with no entry, or whose holder already
// exited, succeeds.
func (c *Coordinator) Release(ctx context.Context, name string, callerPID int) error {
	ctx, span := tracer.Start(ctx, "Coordinator.Release", trace.WithAttributes(
		attribute.String("borglock.repo", name),
		attribute.Int("borglock.pid", callerPID),
	))
	defer span.End()

	if _, err := c.dir.Find(name); err != nil {
		metrics.ReleaseCounter.WithLabelValues("not_found").Inc()
		return fail(span, err)
	}
	log := c.logger.With("repo", name)

	pid, ok, err := c.store.Get(ctx, name)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		return fail(span, err)
	}
	if !ok {
		metrics.ReleaseCounter.WithLabelValues("absent").Inc()
		log.Debug("release of unlocked repo", "pid", callerPID)
		return nil
	}
	if !c.holder.IsAlive(pid) {
		metrics.ReleaseCounter.WithLabelValues("stale").Inc()
		if _, err := c.clearStale(ctx, name, pid); err != nil {
			return fail(span, err)
		}
		return nil
	}
	if pid != callerPID {
		metrics.ReleaseCounter.WithLabelValues("forbidden").Inc()
		log.Warn("release rejected", "pid", callerPID, "holder", pid)
		return fail(span, fmt.Errorf("repo %q held by another envoy: %w", name, lockerrors.ErrForbidden))
	}

	log.Debug("release", "phase", PhaseReleasing, "pid", pid)
	if err := c.holder.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn("unable to kill envoy", "pid", pid, "error", err)
	}
	if _, err := c.store.CompareAndDelete(ctx, name, pid); err != nil {
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		return fail(span, err)
	}
	metrics.ReleaseCounter.WithLabelValues("ok").Inc()
	log.Info("unlocked", "phase", PhaseIdle, "pid", pid)
	c.publish(ctx, syncbus.KindReleased, name, pid)
	return nil
}

// Status reads the lock state of the named repository. A recorded holder
// that no longer runs is reported as StateStale and its entry is cleared.
func (c *Coordinator) Status(ctx context.Context, name string) (Status, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Status", trace.WithAttributes(attribute.String("borglock.repo", name)))
	defer span.End()

	if _, err := c.dir.Find(name); err != nil {
		return Status{}, fail(span, err)
	}
	pid, ok, err := c.store.Get(ctx, name)
	if err != nil {
		return Status{}, fail(span, err)
	}
	if !ok {
		return Status{Resource: name, State: StateUnknown}, nil
	}
	if !c.holder.IsAlive(pid) {
		if _, err := c.clearStale(ctx, name, pid); err != nil {
			return Status{}, fail(span, err)
		}
		return Status{Resource: name, State: StateStale, PID: pid}, nil
	}
	return Status{Resource: name, State: StateLocked, PID: pid}, nil
}

// clearStale removes the entry for name if it still records pid.
func (c *Coordinator) clearStale(ctx context.Context, name string, pid int) (bool, error) {
	deleted, err := c.store.CompareAndDelete(ctx, name, pid)
	if err != nil {
		return false, err
	}
	if deleted {
		metrics.StaleCounter.Inc()
		c.logger.Warn("cleared stale lock", "repo", name, "pid", pid, "error", lockerrors.ErrStale)
		c.publish(ctx, syncbus.KindStale, name, pid)
	}
	return deleted, nil
}

func (c *Coordinator) publish(ctx context.Context, kind syncbus.Kind, name string, pid int) {
	if c.bus == nil {
		return
	}
	ev := syncbus.Event{Kind: kind, Resource: name, PID: pid, Time: time.Now().UTC()}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Debug("event not published", "repo", name, "event", kind, "error", err)
	}
}
