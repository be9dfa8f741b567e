package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		client, _ := newRedisClient(t)
		return NewRedisStore(client, WithRedisClock(clock.Now))
	})
}

func TestRedisStoreLayout(t *testing.T) {
	client, mr := newRedisClient(t)
	s := NewRedisStore(client, WithRedisPrefix("test:"))
	ctx := context.Background()

	if _, err := s.Create(ctx, "tenant-a", "w1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := mr.HGet("test:lock:tenant-a", "holder"); got != "w1" {
		t.Fatalf("expected holder field w1, got %q", got)
	}
	members, err := mr.ZMembers("test:index")
	if err != nil || len(members) != 1 || members[0] != "tenant-a" {
		t.Fatalf("expected index [tenant-a], got %v err %v", members, err)
	}

	if _, err := s.Release(ctx, "tenant-a", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("test:lock:tenant-a") {
		t.Fatal("record should be deleted on release")
	}
	if members, _ := mr.ZMembers("test:index"); len(members) != 0 {
		t.Fatalf("index should be empty after release, got %v", members)
	}
}

func TestRedisStoreTenantNamedIndex(t *testing.T) {
	client, _ := newRedisClient(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	if _, err := s.Create(ctx, "index", "w1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if out, err := s.Create(ctx, "tenant-a", "w2"); err != nil || out != Created {
		t.Fatalf("a tenant named index must not clash with the index key: %v %v", out, err)
	}
}

func TestRedisStoreClosedClient(t *testing.T) {
	client, _ := newRedisClient(t)
	s := NewRedisStore(client)
	_ = client.Close()

	_, err := s.Create(context.Background(), "tenant-a", "w1")
	if !errors.Is(err, tlerrors.ErrStorageUnavailable) || !errors.Is(err, tlerrors.ErrConnectionClosed) {
		t.Fatalf("expected closed connection storage error, got %v", err)
	}

	h := NewHandle(s)
	if err := h.Acquire(context.Background(), TenantScope("tenant-a"), "w1"); !errors.Is(err, tlerrors.ErrStorageUnavailable) {
		t.Fatalf("expected acquire to surface storage error, got %v", err)
	}
}

func TestRedisStoreServerDown(t *testing.T) {
	client, mr := newRedisClient(t)
	s := NewRedisStore(client)
	mr.Close()

	_, _, err := s.Get(context.Background(), "tenant-a")
	if !errors.Is(err, tlerrors.ErrStorageUnavailable) {
		t.Fatalf("expected storage error with server down, got %v", err)
	}
}
