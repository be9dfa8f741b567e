// Package errors holds the error values shared by every tenantlock package.
//
// ErrResourceBusy is the only condition callers are expected to handle; it is
// retryable. Everything else wraps ErrStorageUnavailable or flags a caller bug.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceBusy reports contention on a lock key.
	ErrResourceBusy = errors.New("tenantlock: resource busy")
	// ErrStorageUnavailable reports that the backing store failed or could not be reached.
	ErrStorageUnavailable = errors.New("tenantlock: storage unavailable")
	// ErrTimeout reports that a store round trip exceeded its deadline.
	ErrTimeout = fmt.Errorf("tenantlock: timeout: %w", ErrStorageUnavailable)
	// ErrConnectionClosed is returned by transports used after Close.
	ErrConnectionClosed = errors.New("tenantlock: connection closed")
	// ErrInvalidKey rejects the zero Key, empty tenant ids and tenant ids
	// colliding with the global sentinel.
	ErrInvalidKey = errors.New("tenantlock: invalid lock key")
	// ErrInvalidRequester rejects an empty requester identity.
	ErrInvalidRequester = errors.New("tenantlock: invalid requester")
)

// Storage wraps err so that errors.Is(err, ErrStorageUnavailable) holds.
// Errors already classified are returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsBusy reports whether err is a contention error.
func IsBusy(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}
