package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second

	// DefaultRedisChannel is the pub/sub channel carrying lock events.
	DefaultRedisChannel = "BORG_LOCKSERVICE:events"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-borglock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	fanout

	client  *redis.Client
	channel string

	subMu  sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBus returns a new RedisBus publishing on channel. An empty channel
// selects DefaultRedisChannel.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("borglock.repo", ev.Resource),
		attribute.String("borglock.event", string(ev.Kind)),
	))
	defer span.End()

	data, err := encode(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel, data).Err(); err != nil {
		span.RecordError(err)
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return lockerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return lockerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription is opened with
// the first subscriber and closed with the last.
func (b *RedisBus) Subscribe(ctx context.Context) (chan Event, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.pubsub == nil {
		ps := b.client.Subscribe(context.Background(), b.channel)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsub = ps
		go b.dispatch(ps)
	}
	ch, _ := b.add()
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decode([]byte(msg.Payload))
		if err != nil {
			slog.Warn("borglock: dropping malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch chan Event) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	removed, remaining := b.remove(ch)
	if removed && remaining == 0 && b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}

// Close stops the subscription and closes every subscriber channel.
func (b *RedisBus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	var err error
	if b.pubsub != nil {
		err = b.pubsub.Close()
		b.pubsub = nil
	}
	b.closeAll()
	return err
}
