// Package tenant defines the identifiers the request layer extracts from a
// bearer token and the context plumbing used only at the HTTP/WS boundary.
//
// Core packages (schemamodel, propagate, compiler, router, cache, session)
// never read a TenantID back out of a context.Context — every function in
// those packages takes TenantID as an explicit argument. A single call site
// that forgets to pass it through is how tenant data leaks; keeping it out
// of ambient context makes that a compile error instead of a runtime bug.
package tenant

import "context"

// ID identifies a tenant. Opaque outside of equality comparison.
type ID string

// UserID identifies the authenticated user within a tenant.
type UserID string

// Roles is the set of roles attached to a bearer token.
type Roles []string

// Has reports whether the role set contains the given role.
func (r Roles) Has(role string) bool {
	for _, x := range r {
		if x == role {
			return true
		}
	}
	return false
}

// Identity is what the request layer extracts from a validated bearer token.
type Identity struct {
	Tenant ID
	User   UserID
	Roles  Roles
	// AllowedIdentifiers satisfies the compiler's ACLSharedIdentifierSet mode
	// for shared tables (e.g. the set of customer/account IDs this user may
	// see) — carried in the token's claims, never derived server-side.
	AllowedIdentifiers []string
}

type identityKey struct{}

// WithIdentity attaches an Identity to ctx, for use only between the HTTP/WS
// transport decoding a request and the handler that unpacks it into
// explicit arguments for the core.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity attached by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
