package lock

import (
	"errors"
	"testing"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

func TestKeyString(t *testing.T) {
	if s := GlobalScope.String(); s != GlobalKeyName {
		t.Fatalf("global key: expected %q, got %q", GlobalKeyName, s)
	}
	k := TenantScope("tenant-a")
	if k.String() != "tenant-a" || k.Tenant() != "tenant-a" || k.IsGlobal() {
		t.Fatalf("unexpected tenant key %+v", k)
	}
	if GlobalScope.Tenant() != "" || !GlobalScope.IsGlobal() {
		t.Fatal("global key should have no tenant")
	}
}

func TestKeyValidate(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		ok   bool
	}{
		{"global", GlobalScope, true},
		{"tenant", TenantScope("t1"), true},
		{"zero", Key{}, false},
		{"empty tenant", TenantScope(""), false},
		{"sentinel tenant", TenantScope(GlobalKeyName), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.key.Validate()
			if c.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !c.ok && !errors.Is(err, tlerrors.ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey(GlobalKeyName)
	if err != nil || k != GlobalScope {
		t.Fatalf("parse global: %v %v", k, err)
	}
	k, err = ParseKey("tenant-a")
	if err != nil || k != TenantScope("tenant-a") {
		t.Fatalf("parse tenant: %v %v", k, err)
	}
	if _, err := ParseKey(""); !errors.Is(err, tlerrors.ErrInvalidKey) {
		t.Fatalf("expected invalid key for empty string, got %v", err)
	}
}
