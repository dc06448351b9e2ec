package identity

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// ScopedTokenOptions tunes a single minted token. Zero values fall back to
// the token service settings.
type ScopedTokenOptions struct {
	TTL      time.Duration
	Issuer   string
	Audience []string
	IssuedAt time.Time
	// Scopes narrow what the token may be used for, e.g. ScopeAdmin
	Scopes []string
}

// merge fills unset fields from base
func (o ScopedTokenOptions) merge(base ScopedTokenOptions) ScopedTokenOptions {
	if o.Issuer == "" {
		o.Issuer = base.Issuer
	}
	if len(o.Audience) == 0 {
		o.Audience = base.Audience
	}
	if o.TTL == 0 {
		o.TTL = base.TTL
	}
	if o.TTL <= 0 {
		o.TTL = defaultAccessTokenTTL
	}
	if o.IssuedAt.IsZero() {
		o.IssuedAt = time.Now()
	}
	return o
}

// scopedDefaults is implemented by token services that carry issuer,
// audience and TTL settings.
type scopedDefaults interface {
	defaultTokenOptions() ScopedTokenOptions
}

// NewAccountClaims builds the claim set describing account. Scopes are
// left empty.
func NewAccountClaims(account *Account, issuedAt time.Time, ttl time.Duration) *Claims {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		Email:       account.Email,
		UserRole:    string(account.Role),
		Authorities: account.Role.Authorities(),
		Admin:       account.IsAdmin(),
	}
	ensureTokenID(&claims.RegisteredClaims)
	return claims
}

// MintScopedToken signs a token for account through ts. Admin tokens are
// minted with Scopes: []string{ScopeAdmin}.
func MintScopedToken(ts TokenService, account *Account, opts ScopedTokenOptions) (string, time.Time, error) {
	switch {
	case ts == nil:
		return "", time.Time{}, goerrors.New("token service is required", goerrors.CategoryBadInput)
	case account == nil:
		return "", time.Time{}, goerrors.New("account is required", goerrors.CategoryBadInput)
	}

	var base ScopedTokenOptions
	if d, ok := ts.(scopedDefaults); ok {
		base = d.defaultTokenOptions()
	}
	opts = opts.merge(base)

	claims := NewAccountClaims(account, opts.IssuedAt, opts.TTL)
	claims.Issuer = opts.Issuer
	if len(opts.Audience) > 0 {
		claims.Audience = jwt.ClaimStrings(slices.Clone(opts.Audience))
	}
	if len(opts.Scopes) > 0 {
		claims.Scopes = slices.Clone(opts.Scopes)
	}

	token, err := ts.SignClaims(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, opts.IssuedAt.Add(opts.TTL), nil
}
