package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

// Store is the shared lock state: resource name -> pid of the envoy holding it.
//
// Implementations must be reachable from every API worker; they do not check
// whether the recorded pid still refers to a running process.
type Store interface {
	// Put records pid as the holder of resource. A positive ttl makes the
	// entry expire on its own.
	Put(ctx context.Context, resource string, pid int, ttl time.Duration) error
	// Get returns the recorded holder. The boolean reports whether an entry exists.
	Get(ctx context.Context, resource string) (int, bool, error)
	// Delete removes the entry for resource. Deleting a missing entry is not an error.
	Delete(ctx context.Context, resource string) error
	// CompareAndDelete removes the entry only while it still records pid.
	CompareAndDelete(ctx context.Context, resource string, pid int) (bool, error)
	// Keys returns the resources that currently have an entry.
	Keys(ctx context.Context) ([]string, error)
}

type entry struct {
	pid     int
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// InMemoryStore is a Store backed by a map. It is only shared between the
// goroutines of one process and suits tests and single-worker deployments.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]entry), now: time.Now}
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return lockerrors.ErrTimeout
		}
		return err
	}
	return nil
}

// lookup must be called with s.mu held.
func (s *InMemoryStore) lookup(resource string) (entry, bool) {
	e, ok := s.items[resource]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, resource)
		return entry{}, false
	}
	return e, true
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(ctx context.Context, resource string, pid int, ttl time.Duration) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if pid <= 0 {
		return lockerrors.ErrInvalidPID
	}
	e := entry{pid: pid}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[resource] = e
	s.mu.Unlock()
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, resource string) (int, bool, error) {
	if err := checkContext(ctx); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	e, ok := s.lookup(resource)
	s.mu.Unlock()
	return e.pid, ok, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, resource string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, resource)
	s.mu.Unlock()
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, resource string, pid int) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(resource)
	if !ok || e.pid != pid {
		return false, nil
	}
	delete(s.items, resource)
	return true, nil
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if _, ok := s.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}
