package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-tenantlock/v1/syncbus")

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Channel defaults to DefaultSubject.
	Channel string
	// Timeout bounds each PUBLISH round trip. Defaults to five seconds.
	Timeout time.Duration
}

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	fanout
	client  *redis.Client
	channel string
	timeout time.Duration

	subMu  sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	b := &RedisBus{client: opts.Client, channel: opts.Channel, timeout: opts.Timeout}
	if b.channel == "" {
		b.channel = DefaultSubject
	}
	if b.timeout <= 0 {
		b.timeout = redisBusTimeout
	}
	return b
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "syncbus.RedisBus.Publish",
		trace.WithAttributes(
			attribute.String("tenantlock.key", ev.Key),
			attribute.String("tenantlock.event", string(ev.Kind)),
		))
	defer span.End()

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel, data).Err(); err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.ErrClosed) {
			return tlerrors.ErrConnectionClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return tlerrors.ErrTimeout
		}
		return err
	}
	b.markPublished()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
	if err := b.ensureSubscription(ctx); err != nil {
		return nil, err
	}
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) ensureSubscription(ctx context.Context) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	ps := b.client.Subscribe(context.Background(), b.channel)
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	// Wait for the subscription confirmation so that events published right
	// after Subscribe returns are not lost.
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return err
	}
	done := make(chan struct{})
	b.pubsub = ps
	b.done = done
	go b.run(ps.Channel(), done)
	return nil
}

func (b *RedisBus) run(msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			continue
		}
		b.dispatch(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if !b.remove(key, ch) {
		return nil
	}
	return b.closeSubscription()
}

func (b *RedisBus) closeSubscription() error {
	b.subMu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.subMu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

// Close tears down the wire subscription. The Redis client is left open.
func (b *RedisBus) Close() error {
	return b.closeSubscription()
}
