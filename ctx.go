package identity

import (
	"context"
)

var principalCtxKey = &contextKey{"principal"}

type contextKey struct {
	name string
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext finds the principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok && p != nil
}

// RequirePrincipal is PrincipalFromContext failing with ErrUnauthorized
func RequirePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// RequireAdmin returns the principal if it is an admin holding an admin
// scoped token.
func RequireAdmin(ctx context.Context) (Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() || !p.HasScope(ScopeAdmin) {
		return nil, ErrForbidden
	}
	return p, nil
}
