package envoy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes one envoy launch.
type Spec struct {
	// Resource is the repository name, used for logging.
	Resource string
	// Path is the repository path handed to the locking primitive.
	Path string
	// Socket is the handshake channel the envoy reports to.
	Socket string
	// Wait bounds how long the primitive may wait for the lock.
	Wait time.Duration
	// MaxHold bounds how long the envoy keeps the lock.
	MaxHold time.Duration
}

// Holder starts lock holders and inspects them by pid.
type Holder interface {
	// Spawn launches an envoy for spec and returns without waiting for it.
	Spawn(ctx context.Context, spec Spec) error
	// Signal delivers sig to the process pid.
	Signal(pid int, sig syscall.Signal) error
	// IsAlive reports whether pid refers to an existing process.
	IsAlive(pid int) bool
}

var (
	// DefaultPrimitive is the locking primitive invoked by ProcessHolder.
	DefaultPrimitive = []string{"borg", "with-lock"}
	// DefaultEnvoy is the envoy binary wrapped by the primitive.
	DefaultEnvoy = "lockservice-envoy"
)

// ProcessHolder implements Holder with real processes.
type ProcessHolder struct {
	primitive []string
	envoy     string
	logger    *slog.Logger
}

// Option configures a ProcessHolder.
type Option func(*ProcessHolder)

// WithPrimitive replaces the locking primitive command and its leading arguments.
func WithPrimitive(argv ...string) Option {
	return func(p *ProcessHolder) {
		if len(argv) > 0 {
			p.primitive = append([]string(nil), argv...)
		}
	}
}

// WithEnvoyBinary sets the envoy executable run under the primitive.
func WithEnvoyBinary(path string) Option {
	return func(p *ProcessHolder) {
		if path != "" {
			p.envoy = path
		}
	}
}

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *ProcessHolder) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessHolder returns a ProcessHolder using borg with-lock by default.
func NewProcessHolder(opts ...Option) *ProcessHolder {
	p := &ProcessHolder{
		primitive: DefaultPrimitive,
		envoy:     DefaultEnvoy,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// waitSeconds rounds up so a sub-second wait does not become "no wait".
func waitSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Args returns the full argv used to launch spec.
func (p *ProcessHolder) Args(spec Spec) []string {
	args := append([]string(nil), p.primitive...)
	args = append(args,
		fmt.Sprintf("--lock-wait=%d", waitSeconds(spec.Wait)),
		spec.Path,
		p.envoy,
		"--socket="+spec.Socket,
	)
	if spec.MaxHold > 0 {
		args = append(args, "--max-hold="+spec.MaxHold.String())
	}
	return args
}

// Spawn implements Holder.Spawn. The primitive runs in its own process group
// so it survives signals aimed at the worker's group. Its exit is collected
// in the background; ctx is not tied to the child's lifetime.
func (p *ProcessHolder) Spawn(ctx context.Context, spec Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := p.Args(spec)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("envoy: start %s: %w", args[0], err)
	}
	p.logger.Debug("envoy launched", "repo", spec.Resource, "primitive_pid", cmd.Process.Pid, "socket", spec.Socket)
	go func() {
		err := cmd.Wait()
		p.logger.Debug("envoy primitive exited", "repo", spec.Resource, "primitive_pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

// Signal implements Holder.Signal.
func (p *ProcessHolder) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("envoy: refusing to signal pid %d", pid)
	}
	return unix.Kill(pid, sig)
}

// IsAlive implements Holder.IsAlive. A process owned by another user still
// counts as alive.
func (p *ProcessHolder) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
