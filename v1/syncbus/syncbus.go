package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Kind names a lock lifecycle transition.
type Kind string

const (
	KindAcquired Kind = "acquired"
	KindReleased Kind = "released"
	KindStale    Kind = "stale"
)

// Event announces a lock lifecycle transition to other workers. Events are
// advisory: the state store stays the only source of truth.
type Event struct {
	Kind     Kind      `json:"kind"`
	Resource string    `json:"repo"`
	PID      int       `json:"pid"`
	Time     time.Time `json:"time"`
}

// Bus propagates lock events between workers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel receiving every event published after the
	// call until ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context) (chan Event, error)
	Unsubscribe(ctx context.Context, ch chan Event) error
}

// Metrics reports how many events a bus published and delivered locally.
type Metrics struct {
	Published uint64
	Delivered uint64
}

const subscriberBuffer = 16

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// fanout delivers events to local subscriber channels without blocking.
type fanout struct {
	mu        sync.Mutex
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

func (f *fanout) add() (chan Event, int) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	n := len(f.subs)
	f.mu.Unlock()
	return ch, n
}

// remove closes ch and reports whether it was registered and how many
// subscribers remain.
func (f *fanout) remove(ch chan Event) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.subs {
		if c == ch {
			f.subs[i] = f.subs[len(f.subs)-1]
			f.subs = f.subs[:len(f.subs)-1]
			close(c)
			return true, len(f.subs)
		}
	}
	return false, len(f.subs)
}

// deliver holds the lock while sending so a concurrent remove cannot close
// a channel mid-send. Sends never block; slow subscribers miss events.
func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.mu.Unlock()
}

// Metrics returns the published and delivered counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

func unsubscribeOnDone(ctx context.Context, b Bus, ch chan Event) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
}

// InMemoryBus is a local implementation of Bus for tests and single-worker setups.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context) (chan Event, error) {
	ch, _ := b.add()
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch chan Event) error {
	b.remove(ch)
	return nil
}
