// Package reaper scans a lock store for records held longer than expected.
//
// Acquire steals held locks unconditionally, so a stale record never blocks
// anyone. It does point at a worker that died inside a critical section,
// which is what the reaper reports, and optionally cleans up.
package reaper

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/metrics"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

// Mode defines reaper behaviour.
type Mode int

const (
	// ModeNoop only updates the stale gauge.
	ModeNoop Mode = iota
	// ModeAlert logs every stale record once per suppression window.
	ModeAlert
	// ModeReap deletes stale records, as long as the holder did not change.
	ModeReap
)

func (m Mode) String() string {
	switch m {
	case ModeNoop:
		return "noop"
	case ModeAlert:
		return "alert"
	case ModeReap:
		return "reap"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMode parses "noop", "alert" or "reap".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "noop", "":
		return ModeNoop, nil
	case "alert":
		return ModeAlert, nil
	case "reap":
		return ModeReap, nil
	}
	return ModeNoop, fmt.Errorf("reaper: unknown mode %q", s)
}

const (
	DefaultInterval  = time.Minute
	DefaultOlderThan = 10 * time.Minute
	defaultSuppress  = time.Hour
)

// Report is the result of one scan.
type Report struct {
	Stale  []lock.Record `json:"stale"`
	Reaped int           `json:"reaped"`
}

// Reaper periodically looks for stale lock records.
type Reaper struct {
	store     lock.Store
	bus       syncbus.Bus
	log       *zap.Logger
	mode      Mode
	interval  time.Duration
	olderThan time.Duration
	suppress  time.Duration
	alerted   *ristretto.Cache

	scans  uint64
	alerts uint64
	reaped uint64
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithMode(m Mode) Option { return func(r *Reaper) { r.mode = m } }

func WithInterval(d time.Duration) Option { return func(r *Reaper) { r.interval = d } }

// WithOlderThan sets the age above which a record counts as stale.
func WithOlderThan(d time.Duration) Option { return func(r *Reaper) { r.olderThan = d } }

// WithAlertSuppression sets how long a record is not alerted on again.
func WithAlertSuppression(d time.Duration) Option { return func(r *Reaper) { r.suppress = d } }

// WithBus publishes an event for every reaped record.
func WithBus(b syncbus.Bus) Option { return func(r *Reaper) { r.bus = b } }

func WithLogger(l *zap.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a new Reaper over store.
func New(store lock.Store, opts ...Option) (*Reaper, error) {
	r := &Reaper{
		store:     store,
		log:       zap.NewNop(),
		mode:      ModeNoop,
		interval:  DefaultInterval,
		olderThan: DefaultOlderThan,
		suppress:  defaultSuppress,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 || r.olderThan <= 0 {
		return nil, fmt.Errorf("reaper: interval and age threshold must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	r.alerted = cache
	return r, nil
}

// Run starts the scan loop and blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.store == nil {
		return
	}
	defer r.alerted.Close()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reaper.Scan failed", zap.Error(err))
			}
		}
	}
}

// Scan runs a single pass. Stale records are returned oldest first whatever
// the mode.
func (r *Reaper) Scan(ctx context.Context) (Report, error) {
	stale, err := r.store.FindStale(ctx, r.olderThan)
	if err != nil {
		return Report{}, err
	}
	atomic.AddUint64(&r.scans, 1)
	metrics.StaleGauge.Set(float64(len(stale)))

	rep := Report{Stale: stale}
	now := time.Now()
	for _, rec := range stale {
		switch r.mode {
		case ModeAlert:
			r.alert(rec, now)
		case ModeReap:
			ok, err := r.reap(ctx, rec, now)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Reaped++
			}
		}
	}
	return rep, nil
}

func (r *Reaper) alert(rec lock.Record, now time.Time) {
	id := rec.Key + "|" + rec.Holder + "|" + strconv.FormatInt(rec.CreatedAt.UnixNano(), 10)
	if _, seen := r.alerted.Get(id); seen {
		return
	}
	r.alerted.SetWithTTL(id, struct{}{}, 1, r.suppress)
	r.alerted.Wait()
	atomic.AddUint64(&r.alerts, 1)
	r.log.Warn("stale lock",
		zap.String("key", rec.Key),
		zap.String("holder", rec.Holder),
		zap.Time("created_at", rec.CreatedAt),
		zap.Duration("age", rec.Age(now)),
	)
}

func (r *Reaper) reap(ctx context.Context, rec lock.Record, now time.Time) (bool, error) {
	// Releasing as the recorded holder leaves a record re-created since the
	// scan untouched.
	ok, err := r.store.Release(ctx, rec.Key, rec.Holder)
	if err != nil || !ok {
		return false, err
	}
	atomic.AddUint64(&r.reaped, 1)
	metrics.ReapedCounter.Inc()
	r.log.Warn("reaped stale lock",
		zap.String("key", rec.Key),
		zap.String("holder", rec.Holder),
		zap.Duration("age", rec.Age(now)),
	)
	if r.bus != nil {
		ev, err := syncbus.NewEvent(syncbus.EventReap, rec.Key, rec.Holder)
		if err == nil {
			err = r.bus.Publish(ctx, ev)
		}
		if err != nil {
			r.log.Warn("reap event not published", zap.String("key", rec.Key), zap.Error(err))
		}
	}
	return true, nil
}

// Stats counts scans, alerts and reaped records since New.
type Stats struct {
	Scans  uint64
	Alerts uint64
	Reaped uint64
}

// Metrics returns the reaper counters.
func (r *Reaper) Metrics() Stats {
	return Stats{
		Scans:  atomic.LoadUint64(&r.scans),
		Alerts: atomic.LoadUint64(&r.alerts),
		Reaped: atomic.LoadUint64(&r.reaped),
	}
}

// Mode returns the configured mode.
func (r *Reaper) Mode() Mode { return r.mode }
