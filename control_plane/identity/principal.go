package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// principalContextKey is a strict type for context keys to prevent collisions.
type principalContextKey string

const principalKey principalContextKey = "principal"

// Principal is the security identity a request is handled under. For
// messages arriving from the device channel this is an anonymous,
// tenant-scoped identity: we know which tenant the device claims to belong
// to, but the device itself has not authenticated yet.
type Principal struct {
	ID        string
	Tenant    string
	Anonymous bool
}

// AnonymousTenant builds a transient tenant-scoped principal for one
// inbound message. The ID is random so log lines from concurrent handlers
// stay distinguishable.
func AnonymousTenant(tenant string) Principal {
	return Principal{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Anonymous: true,
	}
}

// WithPrincipal derives a context carrying the given principal. The
// principal lives exactly as long as the derived context: callers pass the
// child context down the handler chain and the parent context is untouched,
// so there is nothing to restore on any exit path.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the principal established for this request.
func FromContext(ctx context.Context) (Principal, error) {
	val := ctx.Value(principalKey)
	if val == nil {
		return Principal{}, fmt.Errorf("no principal in context")
	}
	p, ok := val.(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal in context has wrong type")
	}
	return p, nil
}

// TenantFromContext is a convenience accessor for the tenant of the
// current principal.
func TenantFromContext(ctx context.Context) (string, error) {
	p, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return p.Tenant, nil
}
