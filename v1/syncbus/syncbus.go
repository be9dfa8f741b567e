// Package syncbus propagates lock events (acquire, steal, release, reap)
// between the worker processes sharing a lock store.
//
// Events are advisory: the store is the only source of truth and a lost event
// never affects mutual exclusion.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	uuid "github.com/hashicorp/go-uuid"
)

// EventKind names what happened to a lock.
type EventKind string

const (
	EventAcquire EventKind = "acquire"
	EventSteal   EventKind = "steal"
	EventRelease EventKind = "release"
	EventReap    EventKind = "reap"
)

// AllKeys subscribes to the events of every lock key.
const AllKeys = ""

// Event describes a single state change of a lock record.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Key       string    `json:"key"`
	Requester string    `json:"requester,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent stamps a new event with a random id and the current time.
func NewEvent(kind EventKind, key, requester string) (Event, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return Event{}, err
	}
	return Event{ID: id, Kind: kind, Key: key, Requester: requester, At: time.Now().UTC()}, nil
}

func encodeEvent(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decodeEvent(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}

// Bus is a pub/sub transport for lock events. Subscribers receive events for
// one key, or for every key when subscribing to AllKeys.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, key string) (chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch chan Event) error
}

// Metrics counts events put on the wire and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriberBuffer bounds each subscriber channel; slow subscribers drop events.
const subscriberBuffer = 16

// fanout keeps the local subscriber lists shared by every Bus implementation.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// add registers a new subscriber channel. first reports whether no subscriber
// existed before, so transports can lazily open their wire subscription.
func (f *fanout) add(key string) (ch chan Event, first bool) {
	ch = make(chan Event, subscriberBuffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan Event)
	}
	first = len(f.subs) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether no subscriber is left at all.
func (f *fanout) remove(key string, ch chan Event) (empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
	} else {
		f.subs[key] = subs
	}
	return len(f.subs) == 0
}

// dispatch hands ev to the subscribers of ev.Key and of AllKeys.
func (f *fanout) dispatch(ev Event) {
	f.mu.Lock()
	chans := append([]chan Event(nil), f.subs[ev.Key]...)
	if ev.Key != AllKeys {
		chans = append(chans, f.subs[AllKeys]...)
	}
	for _, ch := range chans {
		select {
		case ch <- ev:
			atomic.AddUint64(&f.delivered, 1)
		default:
		}
	}
	f.mu.Unlock()
}

func (f *fanout) markPublished() { atomic.AddUint64(&f.published, 1) }

// Metrics returns the published and delivered counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process-local Bus, used in tests and single-process setups.
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
	b.markPublished()
	b.dispatch(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	b.remove(key, ch)
	return nil
}
