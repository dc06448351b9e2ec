package identity

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// accountPrincipal is the Principal built from a verified token and the
// account it names. It is immutable once resolved.
type accountPrincipal struct {
	id          string
	email       string
	authorities []string
	admin       bool
	scopes      []string
}

var _ Principal = accountPrincipal{}

// NewPrincipal returns the Principal for account with the given token scopes
func NewPrincipal(account *Account, scopes ...string) Principal {
	return accountPrincipal{
		id:          account.ID.String(),
		email:       account.Email,
		authorities: account.Role.Authorities(),
		admin:       account.IsAdmin(),
		scopes:      append([]string(nil), scopes...),
	}
}

func (p accountPrincipal) SubjectID() string { return p.id }

func (p accountPrincipal) Email() string { return p.email }

func (p accountPrincipal) Authorities() []string {
	return append([]string(nil), p.authorities...)
}

func (p accountPrincipal) HasAuthority(authority string) bool {
	return slices.Contains(p.authorities, authority)
}

func (p accountPrincipal) IsAdmin() bool { return p.admin }

func (p accountPrincipal) HasScope(scope string) bool {
	return slices.Contains(p.scopes, scope)
}

// ResolverOption customizes a Resolver
type ResolverOption func(*Resolver)

// WithResolverLogger overrides the logger
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver turns bearer tokens into principals
type Resolver struct {
	tokens      TokenService
	credentials *CredentialStore
	logger      Logger
}

// NewResolver returns a Resolver verifying tokens with tokens and loading
// accounts through credentials.
func NewResolver(tokens TokenService, credentials *CredentialStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		tokens:      tokens,
		credentials: credentials,
		logger:      defLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve verifies raw and loads the account it names. Any failure in the
// token or the account yields ErrUnauthorized. Storage failures are returned
// as they are.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrUnauthorized
	}

	claims, err := r.tokens.Validate(raw)
	if err != nil {
		r.logger.Debug("rejected bearer token", "error", err)
		return nil, ErrUnauthorized
	}

	id, err := claims.AccountID()
	if err != nil {
		return nil, ErrUnauthorized
	}

	account, err := r.credentials.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if !account.Status.CanAuthenticate() {
		return nil, ErrUnauthorized
	}

	return NewPrincipal(account, claims.Scopes...), nil
}

// ResolveHeader resolves an Authorization header value of the form
// "Bearer <token>".
func (r *Resolver) ResolveHeader(ctx context.Context, header string) (Principal, error) {
	token, err := BearerToken(header, "Bearer")
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, token)
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header, scheme string) (string, error) {
	header = strings.TrimSpace(header)
	l := len(scheme)
	if l == 0 || len(header) <= l+1 || !strings.EqualFold(header[:l], scheme) || header[l] != ' ' {
		return "", ErrUnauthorized
	}
	token := strings.TrimSpace(header[l:])
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
