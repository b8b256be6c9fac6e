package syncbus

import (
	"context"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject carrying lock events.
const DefaultNATSSubject = "borg_lockservice.events"

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	fanout

	conn    *nats.Conn
	subject string

	subMu sync.Mutex
	sub   *nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection. An empty
// subject selects DefaultNATSSubject.
func NewNATSBus(conn *nats.Conn, subject string) *NATSBus {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSBus{conn: conn, subject: subject}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context) (chan Event, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
			ev, err := decode(m.Data)
			if err != nil {
				slog.Warn("borglock: dropping malformed event", "subject", m.Subject, "error", err)
				return
			}
			b.deliver(ev)
		})
		if err != nil {
			return nil, err
		}
		// Make sure the server knows about the interest before returning.
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.sub = sub
	}
	ch, _ := b.add()
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch chan Event) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	removed, remaining := b.remove(ch)
	if removed && remaining == 0 && b.sub != nil {
		err := b.sub.Unsubscribe()
		b.sub = nil
		return err
	}
	return nil
}
