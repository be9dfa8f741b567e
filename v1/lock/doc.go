// Package lock serializes mutating operations on shared network resources
// across worker processes that share nothing but a lock store.
//
// A lock is a single record per Key in a Store. Handle implements the acquire
// algorithm on top of a Store: try to create the record, and when another
// requester holds it, steal it and try exactly once more. Contention always
// surfaces as errors.ErrResourceBusy; Handle never waits for a lock to free up.
//
// Critical sections are usually run through Handle.Do, whose Guard releases
// the lock on every exit path unless the caller detaches it:
//
//	key, err := selector.Select(scope.OpSetRouterGateway, tenantID)
//	if err != nil {
//		return err
//	}
//	err = h.Do(ctx, key, requester, func(ctx context.Context, _ *lock.Guard) error {
//		return driver.SetGateway(ctx, routerID)
//	})
//	if errors.Is(err, tlerrors.ErrResourceBusy) {
//		// report a retryable conflict
//	}
package lock
