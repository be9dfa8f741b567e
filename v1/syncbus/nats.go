package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

// DefaultSubject is the NATS subject and Redis channel lock events travel on.
const DefaultSubject = "tenantlock.events"

// NATSBus implements Bus using a NATS backend. A single wire subscription is
// opened on first Subscribe and shared by every local subscriber.
type NATSBus struct {
	fanout
	conn    *nats.Conn
	subject string

	subMu sync.Mutex
	sub   *nats.Subscription
}

// NATSOption configures a NATSBus.
type NATSOption func(*NATSBus)

// WithNATSSubject overrides DefaultSubject.
func WithNATSSubject(subject string) NATSOption {
	return func(b *NATSBus) {
		b.subject = subject
	}
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...NATSOption) *NATSBus {
	b := &NATSBus{conn: conn, subject: DefaultSubject}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return tlerrors.ErrConnectionClosed
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return err
	}
	b.markPublished()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
	if err := b.ensureSubscription(); err != nil {
		return nil, err
	}
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *NATSBus) ensureSubscription() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			return
		}
		b.dispatch(ev)
	})
	if err != nil {
		return err
	}
	// Make sure the server registered the interest before Subscribe returns,
	// otherwise an immediate Publish can race past it.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	b.sub = sub
	return nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if !b.remove(key, ch) {
		return nil
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.sub == nil {
		return nil
	}
	sub := b.sub
	b.sub = nil
	if b.conn.IsClosed() {
		return nil
	}
	return sub.Unsubscribe()
}
