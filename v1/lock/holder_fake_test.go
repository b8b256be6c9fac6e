package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mirkobrombin/go-borglock/v1/adapter"
	"github.com/mirkobrombin/go-borglock/v1/envoy"
	"github.com/mirkobrombin/go-borglock/v1/handshake"
	"github.com/mirkobrombin/go-borglock/v1/repo"
)

// fakeHolder stands in for the locking primitive plus envoy: it grants each
// repository path to one pid at a time and reports that pid over the
// handshake. A spawn for a busy path never reports, like a primitive that
// waits out its lock-wait.
type fakeHolder struct {
	mu      sync.Mutex
	nextPID int
	held    map[string]int
	alive   map[int]bool
	specs   []envoy.Spec
	signals []int
	silent  bool
}

func newFakeHolder() *fakeHolder {
	return &fakeHolder{nextPID: 4241, held: make(map[string]int), alive: make(map[int]bool)}
}

func (f *fakeHolder) Spawn(ctx context.Context, spec envoy.Spec) error {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	if _, busy := f.held[spec.Path]; busy || f.silent {
		f.mu.Unlock()
		return nil
	}
	f.nextPID++
	pid := f.nextPID
	f.held[spec.Path] = pid
	f.alive[pid] = true
	f.mu.Unlock()

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := handshake.Report(rctx, spec.Socket, pid); err != nil {
			f.exit(pid)
		}
	}()
	return nil
}

func (f *fakeHolder) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, pid)
	alive := f.alive[pid]
	f.mu.Unlock()
	if !alive {
		return syscall.ESRCH
	}
	if sig == syscall.SIGTERM {
		f.exit(pid)
	}
	return nil
}

func (f *fakeHolder) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

// exit simulates the envoy process ending, which drops its lock.
func (f *fakeHolder) exit(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	for path, p := range f.held {
		if p == pid {
			delete(f.held, path)
		}
	}
}

func (f *fakeHolder) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeHolder) lastSpec() envoy.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func newDirectory(t *testing.T, names ...string) *repo.Directory {
	t.Helper()
	root := t.TempDir()
	for _, n := range names {
		if err := os.Mkdir(filepath.Join(root, n), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	d, err := repo.Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return d
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeHolder, *adapter.InMemoryStore) {
	t.Helper()
	h := newFakeHolder()
	s := adapter.NewInMemoryStore()
	return New(newDirectory(t, "alpha", "beta"), s, h, opts...), h, s
}
