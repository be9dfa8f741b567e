package lock

import (
	"github.com/google/uuid"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

// GlobalKeyName is the stored key of GlobalScope. Operations on
// infrastructure shared by every tenant serialize on it.
const GlobalKeyName = "__global__"

// Key identifies the resource a lock protects: a single tenant, or every
// tenant at once. The zero Key is invalid.
type Key struct {
	tenant string
	global bool
}

// GlobalScope is the Key shared by all tenants.
var GlobalScope = Key{global: true}

// TenantScope returns the Key protecting the resources of tenantID.
func TenantScope(tenantID string) Key {
	return Key{tenant: tenantID}
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if s == GlobalKeyName {
		return GlobalScope, nil
	}
	k := TenantScope(s)
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// IsGlobal reports whether k is GlobalScope.
func (k Key) IsGlobal() bool { return k.global }

// Tenant returns the tenant id of a tenant-scoped key, or "" for GlobalScope.
func (k Key) Tenant() string { return k.tenant }

// String returns the key as stored.
func (k Key) String() string {
	if k.global {
		return GlobalKeyName
	}
	return k.tenant
}

// Validate rejects the zero Key and tenant ids that would collide with
// GlobalKeyName.
func (k Key) Validate() error {
	if k.global {
		return nil
	}
	if k.tenant == "" || k.tenant == GlobalKeyName {
		return tlerrors.ErrInvalidKey
	}
	return nil
}

// NewRequester returns a random requester identity, suitable for one worker
// process or one request.
func NewRequester() string {
	return uuid.NewString()
}
