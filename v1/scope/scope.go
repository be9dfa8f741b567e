// Package scope maps network API operations to lock keys.
//
// Most operations only touch resources owned by one tenant and lock that
// tenant. Operations on infrastructure shared by every tenant, such as the
// external network behind router gateways, lock lock.GlobalScope instead and
// are serialized against all tenants.
package scope

import (
	"sort"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
)

// Operation names a mutating network API call.
type Operation string

const (
	OpCreateNetwork Operation = "create_network"
	OpUpdateNetwork Operation = "update_network"
	OpDeleteNetwork Operation = "delete_network"

	OpCreateSubnet Operation = "create_subnet"
	OpUpdateSubnet Operation = "update_subnet"
	OpDeleteSubnet Operation = "delete_subnet"

	OpCreatePort Operation = "create_port"
	OpUpdatePort Operation = "update_port"
	OpDeletePort Operation = "delete_port"

	OpCreateRouter Operation = "create_router"
	OpUpdateRouter Operation = "update_router"
	OpDeleteRouter Operation = "delete_router"

	OpAddRouterInterface    Operation = "add_router_interface"
	OpRemoveRouterInterface Operation = "remove_router_interface"

	OpSetRouterGateway   Operation = "set_router_gateway"
	OpClearRouterGateway Operation = "clear_router_gateway"

	OpCreateExternalNetwork Operation = "create_external_network"
	OpDeleteExternalNetwork Operation = "delete_external_network"

	OpCreateFloatingIP Operation = "create_floating_ip"
	OpUpdateFloatingIP Operation = "update_floating_ip"
	OpDeleteFloatingIP Operation = "delete_floating_ip"

	OpCreateSecurityGroup     Operation = "create_security_group"
	OpDeleteSecurityGroup     Operation = "delete_security_group"
	OpCreateSecurityGroupRule Operation = "create_security_group_rule"
	OpDeleteSecurityGroupRule Operation = "delete_security_group_rule"
)

// DefaultShared lists the operations that touch cross-tenant infrastructure.
var DefaultShared = []Operation{
	OpSetRouterGateway,
	OpClearRouterGateway,
	OpCreateExternalNetwork,
	OpDeleteExternalNetwork,
}

// Selector derives the lock key for an operation. A Selector is immutable
// once built and safe for concurrent use.
type Selector struct {
	shared map[Operation]struct{}
}

// Option configures a Selector.
type Option func(*Selector)

// WithShared marks more operations as global.
func WithShared(ops ...Operation) Option {
	return func(s *Selector) {
		for _, op := range ops {
			s.shared[op] = struct{}{}
		}
	}
}

// NewSelector returns a Selector treating DefaultShared, plus any operation
// passed through WithShared, as global.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{shared: make(map[Operation]struct{}, len(DefaultShared))}
	WithShared(DefaultShared...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shared reports whether op locks GlobalScope.
func (s *Selector) Shared(op Operation) bool {
	_, ok := s.shared[op]
	return ok
}

// Select returns the key protecting op on behalf of tenantID. tenantID is
// ignored for shared operations; for any other operation an empty tenantID
// yields errors.ErrInvalidKey.
func (s *Selector) Select(op Operation, tenantID string) (lock.Key, error) {
	if s.Shared(op) {
		return lock.GlobalScope, nil
	}
	key := lock.TenantScope(tenantID)
	if err := key.Validate(); err != nil {
		return lock.Key{}, err
	}
	return key, nil
}

// SharedOperations returns the global operations in lexical order.
func (s *Selector) SharedOperations() []Operation {
	out := make([]Operation, 0, len(s.shared))
	for op := range s.shared {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
