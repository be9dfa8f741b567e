package lock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
	"github.com/mirkobrombin/go-tenantlock/v1/metrics"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tenantlock/v1/lock")

// BusyReason says why an acquire ended in contention.
type BusyReason string

const (
	// ReasonReentrant: the requester already holds the key.
	ReasonReentrant BusyReason = "already held by the same requester"
	// ReasonStealRace: a third party created the record right after our steal.
	ReasonStealRace BusyReason = "lost the race after stealing"
	// ReasonRetryExhausted: the record kept changing hands and the single retry is spent.
	ReasonRetryExhausted BusyReason = "lock changed hands during retry"
)

// BusyError is returned for every contention outcome of Handle.Acquire.
// errors.Is(err, errors.ErrResourceBusy) holds for it.
type BusyError struct {
	Key       string
	Requester string
	Reason    BusyReason
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("tenantlock: resource busy: key %q requester %q: %s", e.Key, e.Requester, e.Reason)
}

func (e *BusyError) Unwrap() error { return tlerrors.ErrResourceBusy }

// Handle runs the acquire algorithm against a Store. It is safe for
// concurrent use and holds no per-lock state: everything lives in the Store.
type Handle struct {
	store Store
	bus   syncbus.Bus
	log   *zap.Logger
}

// Option configures a Handle.
type Option func(*Handle)

// WithBus publishes acquire, steal and release events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(h *Handle) {
		h.bus = bus
	}
}

// WithLogger sets the logger. Handles log nothing by default.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHandle returns a Handle backed by store.
func NewHandle(store Store, opts ...Option) *Handle {
	h := &Handle{store: store, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the backing store, for admin tooling such as the reaper.
func (h *Handle) Store() Store { return h.store }

// Bus returns the event bus, or nil.
func (h *Handle) Bus() syncbus.Bus { return h.bus }

type acquireOptions struct {
	retry bool
}

// AcquireOption configures a single Acquire call.
type AcquireOption func(*acquireOptions)

// NoRetry disables the single retry performed when a steal finds nothing.
func NoRetry() AcquireOption {
	return func(o *acquireOptions) {
		o.retry = false
	}
}

func validate(key Key, requester string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if requester == "" {
		return tlerrors.ErrInvalidRequester
	}
	return nil
}

// Acquire makes requester the sole holder of key.
//
// When another requester holds key, its record is stolen unconditionally and
// the lock is taken over. Contention of any kind returns a *BusyError; store
// failures are returned unchanged. Acquire never waits.
func (h *Handle) Acquire(ctx context.Context, key Key, requester string, opts ...AcquireOption) error {
	o := acquireOptions{retry: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validate(key, requester); err != nil {
		return err
	}

	k := key.String()
	ctx, span := tracer.Start(ctx, "lock.Handle.Acquire", trace.WithAttributes(
		attribute.String("tenantlock.key", k),
		attribute.String("tenantlock.requester", requester),
		attribute.Bool("tenantlock.retry", o.retry),
	))
	defer span.End()
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("acquire").Observe(time.Since(start).Seconds()) }()

	stole, err := h.acquire(ctx, k, requester, o.retry)
	switch {
	case err == nil && stole:
		metrics.AcquireCounter.WithLabelValues(metrics.OutcomeStolen).Inc()
	case err == nil:
		metrics.AcquireCounter.WithLabelValues(metrics.OutcomeAcquired).Inc()
	case tlerrors.IsBusy(err):
		metrics.AcquireCounter.WithLabelValues(metrics.OutcomeBusy).Inc()
		span.SetAttributes(attribute.Bool("tenantlock.busy", true))
		h.log.Debug("lock.Handle.Acquire busy",
			zap.String("key", k),
			zap.String("requester", requester),
			zap.Error(err),
		)
		return err
	default:
		metrics.AcquireCounter.WithLabelValues(metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("lock.Handle.Acquire store failure",
			zap.String("key", k),
			zap.String("requester", requester),
			zap.Error(err),
		)
		return err
	}

	span.SetAttributes(attribute.Bool("tenantlock.stolen", stole))
	h.log.Debug("lock.Handle.Acquire acquired",
		zap.String("key", k),
		zap.String("requester", requester),
		zap.Bool("stolen", stole),
	)
	h.publish(ctx, syncbus.EventAcquire, k, requester)
	return nil
}

// acquire reports whether the lock was obtained by stealing another record.
func (h *Handle) acquire(ctx context.Context, k, requester string, retry bool) (bool, error) {
	out, err := h.store.Create(ctx, k, requester)
	if err != nil {
		return false, h.storageErr("create", err)
	}
	if out == Created {
		return false, nil
	}

	rec, exists, err := h.store.Get(ctx, k)
	if err != nil {
		return false, h.storageErr("get", err)
	}
	if exists && rec.Holder == requester {
		return false, &BusyError{Key: k, Requester: requester, Reason: ReasonReentrant}
	}

	removed := false
	if exists {
		removed, err = h.store.Steal(ctx, k)
		if err != nil {
			return false, h.storageErr("steal", err)
		}
	}
	if !removed {
		// The holder released between our create and steal.
		if retry {
			return h.acquire(ctx, k, requester, false)
		}
		return false, &BusyError{Key: k, Requester: requester, Reason: ReasonRetryExhausted}
	}

	h.log.Warn("lock.Handle.Acquire stole lock",
		zap.String("key", k),
		zap.String("requester", requester),
		zap.String("previous_holder", rec.Holder),
		zap.Duration("previous_age", rec.Age(time.Now())),
	)
	h.publish(ctx, syncbus.EventSteal, k, requester)

	out, err = h.store.Create(ctx, k, requester)
	if err != nil {
		return true, h.storageErr("create", err)
	}
	if out == AlreadyExists {
		return true, &BusyError{Key: k, Requester: requester, Reason: ReasonStealRace}
	}
	return true, nil
}

// TryAcquire attempts to create the record for key once. It never steals and
// reports contention as (false, nil).
func (h *Handle) TryAcquire(ctx context.Context, key Key, requester string) (bool, error) {
	if err := validate(key, requester); err != nil {
		return false, err
	}
	k := key.String()
	ctx, span := tracer.Start(ctx, "lock.Handle.TryAcquire", trace.WithAttributes(
		attribute.String("tenantlock.key", k),
		attribute.String("tenantlock.requester", requester),
	))
	defer span.End()
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("try_acquire").Observe(time.Since(start).Seconds()) }()

	out, err := h.store.Create(ctx, k, requester)
	if err != nil {
		err = h.storageErr("create", err)
		metrics.TryAcquireCounter.WithLabelValues(metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if out == AlreadyExists {
		metrics.TryAcquireCounter.WithLabelValues(metrics.OutcomeBusy).Inc()
		return false, nil
	}
	metrics.TryAcquireCounter.WithLabelValues(metrics.OutcomeAcquired).Inc()
	h.publish(ctx, syncbus.EventAcquire, k, requester)
	return true, nil
}

// Release gives up requester's hold on key. Releasing a lock that is gone,
// or that was stolen by someone else, only logs a warning.
func (h *Handle) Release(ctx context.Context, key Key, requester string) error {
	if err := validate(key, requester); err != nil {
		return err
	}
	k := key.String()
	ctx, span := tracer.Start(ctx, "lock.Handle.Release", trace.WithAttributes(
		attribute.String("tenantlock.key", k),
		attribute.String("tenantlock.requester", requester),
	))
	defer span.End()
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("release").Observe(time.Since(start).Seconds()) }()

	removed, err := h.store.Release(ctx, k, requester)
	if err != nil {
		err = h.storageErr("release", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("lock.Handle.Release store failure",
			zap.String("key", k),
			zap.String("requester", requester),
			zap.Error(err),
		)
		return err
	}
	if !removed {
		metrics.DoubleReleaseCounter.Inc()
		h.log.Warn("lock already released",
			zap.String("key", k),
			zap.String("requester", requester),
		)
		return nil
	}
	metrics.ReleaseCounter.Inc()
	h.publish(ctx, syncbus.EventRelease, k, requester)
	return nil
}

func (h *Handle) storageErr(op string, err error) error {
	metrics.StorageErrorCounter.WithLabelValues(op).Inc()
	return err
}

// publish is best effort: the store, not the bus, decides who holds a lock.
func (h *Handle) publish(ctx context.Context, kind syncbus.EventKind, key, requester string) {
	if h.bus == nil {
		return
	}
	ev, err := syncbus.NewEvent(kind, key, requester)
	if err == nil {
		err = h.bus.Publish(ctx, ev)
	}
	if err != nil {
		h.log.Warn("lock event not published",
			zap.String("key", key),
			zap.String("event", string(kind)),
			zap.Error(err),
		)
	}
}
