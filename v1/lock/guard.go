package lock

import (
	"context"
	"sync"
)

type guardState int

const (
	guardHeld guardState = iota
	guardReleased
	guardDetached
)

// Guard owns an acquired lock until it is released or detached.
type Guard struct {
	h         *Handle
	key       Key
	requester string

	mu    sync.Mutex
	state guardState
}

// Key returns the guarded key.
func (g *Guard) Key() Key { return g.key }

// Requester returns the identity holding the lock.
func (g *Guard) Requester() string { return g.requester }

// Held reports whether the guard will still release the lock.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == guardHeld
}

// Detach hands the lock over to the caller: the guard will not release it
// any more and the caller must call Handle.Release itself.
func (g *Guard) Detach() {
	g.mu.Lock()
	if g.state == guardHeld {
		g.state = guardDetached
	}
	g.mu.Unlock()
}

// Release releases the lock. It is a no-op after Detach or a previous Release.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.state != guardHeld {
		g.mu.Unlock()
		return nil
	}
	g.state = guardReleased
	g.mu.Unlock()
	return g.h.Release(ctx, g.key, g.requester)
}

// Lock acquires key and returns a Guard for it.
func (h *Handle) Lock(ctx context.Context, key Key, requester string, opts ...AcquireOption) (*Guard, error) {
	if err := h.Acquire(ctx, key, requester, opts...); err != nil {
		return nil, err
	}
	return &Guard{h: h, key: key, requester: requester}, nil
}

// TryLock is the non-stealing form of Lock. The Guard is nil unless the
// boolean is true.
func (h *Handle) TryLock(ctx context.Context, key Key, requester string) (*Guard, bool, error) {
	ok, err := h.TryAcquire(ctx, key, requester)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Guard{h: h, key: key, requester: requester}, true, nil
}

// Do runs fn while holding key. If the lock cannot be acquired fn does not
// run and nothing is released. Otherwise the lock is released when fn
// returns or panics, unless fn detached the guard.
//
// fn's error wins over a release error.
func (h *Handle) Do(ctx context.Context, key Key, requester string, fn func(context.Context, *Guard) error, opts ...AcquireOption) (err error) {
	g, err := h.Lock(ctx, key, requester, opts...)
	if err != nil {
		return err
	}
	defer func() {
		// Release even when ctx was canceled inside fn.
		if rerr := g.Release(context.WithoutCancel(ctx)); err == nil {
			err = rerr
		}
	}()
	return fn(ctx, g)
}

// TryDo runs fn only if TryAcquire obtains the lock, and reports whether fn ran.
func (h *Handle) TryDo(ctx context.Context, key Key, requester string, fn func(context.Context, *Guard) error) (ran bool, err error) {
	g, ok, err := h.TryLock(ctx, key, requester)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := g.Release(context.WithoutCancel(ctx)); err == nil {
			err = rerr
		}
	}()
	return true, fn(ctx, g)
}

// WithLock runs fn under key and returns its result. It is the typed form
// of Handle.Do for call sites that produce a value.
func WithLock[T any](ctx context.Context, h *Handle, key Key, requester string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := h.Do(ctx, key, requester, func(ctx context.Context, _ *Guard) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
