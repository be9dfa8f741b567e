package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/metrics"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seededStore(t *testing.T) (*lock.InMemoryStore, *clock) {
	t.Helper()
	c := &clock{now: time.Now().Add(-time.Hour)}
	s := lock.NewInMemoryStore(lock.WithInMemoryClock(c.Now))
	ctx := context.Background()
	if _, err := s.Create(ctx, "tenant-old", "w1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Advance(time.Hour)
	if _, err := s.Create(ctx, "tenant-new", "w2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s, c
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeNoop, ModeAlert, ModeReap} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Fatalf("round trip %s: %v %v", m, got, err)
		}
	}
	if _, err := ParseMode("delete-everything"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestScanNoop(t *testing.T) {
	s, _ := seededStore(t)
	r, err := New(s, WithOlderThan(10*time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := r.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rep.Stale) != 1 || rep.Stale[0].Key != "tenant-old" || rep.Reaped != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if g := testutil.ToFloat64(metrics.StaleGauge); g != 1 {
		t.Fatalf("expected stale gauge 1, got %v", g)
	}
	if _, ok, _ := s.Get(context.Background(), "tenant-old"); !ok {
		t.Fatal("noop mode must not delete records")
	}
}

func TestScanAlertDeduplicates(t *testing.T) {
	s, _ := seededStore(t)
	r, err := New(s, WithMode(ModeAlert), WithOlderThan(10*time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Scan(ctx); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}
	st := r.Metrics()
	if st.Scans != 3 || st.Alerts != 1 {
		t.Fatalf("expected 3 scans and a single alert, got %+v", st)
	}
}

func TestScanReap(t *testing.T) {
	s, _ := seededStore(t)
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, syncbus.AllKeys)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r, err := New(s, WithMode(ModeReap), WithOlderThan(10*time.Minute), WithBus(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	before := testutil.ToFloat64(metrics.ReapedCounter)
	rep, err := r.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Reaped != 1 {
		t.Fatalf("expected one reaped record, got %+v", rep)
	}
	if _, ok, _ := s.Get(ctx, "tenant-old"); ok {
		t.Fatal("stale record should be gone")
	}
	if _, ok, _ := s.Get(ctx, "tenant-new"); !ok {
		t.Fatal("fresh record must survive")
	}
	if got := testutil.ToFloat64(metrics.ReapedCounter); got != before+1 {
		t.Fatalf("expected reaped counter to grow by one, got %v -> %v", before, got)
	}
	select {
	case ev := <-ch:
		if ev.Kind != syncbus.EventReap || ev.Key != "tenant-old" || ev.Requester != "w1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reap event")
	}
}

// A record re-created between FindStale and the delete belongs to a new
// holder and must survive.
type racingStore struct {
	*lock.InMemoryStore
}

func (s racingStore) FindStale(ctx context.Context, olderThan time.Duration) ([]lock.Record, error) {
	recs, err := s.InMemoryStore.FindStale(ctx, olderThan)
	for _, r := range recs {
		_, _ = s.InMemoryStore.Steal(ctx, r.Key)
		_, _ = s.InMemoryStore.Create(ctx, r.Key, "newcomer")
	}
	return recs, err
}

func TestScanReapSkipsNewHolder(t *testing.T) {
	s, _ := seededStore(t)
	r, err := New(racingStore{s}, WithMode(ModeReap), WithOlderThan(10*time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := r.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Reaped != 0 {
		t.Fatalf("expected nothing reaped, got %+v", rep)
	}
	rec, ok, _ := s.Get(context.Background(), "tenant-old")
	if !ok || rec.Holder != "newcomer" {
		t.Fatalf("newcomer lost its lock: %+v %v", rec, ok)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := seededStore(t)
	r, err := New(s, WithMode(ModeReap), WithInterval(time.Millisecond), WithOlderThan(10*time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for r.Metrics().Reaped == 0 {
		select {
		case <-deadline:
			t.Fatal("reaper never reaped the stale record")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsBadDurations(t *testing.T) {
	if _, err := New(lock.NewInMemoryStore(), WithInterval(0)); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
