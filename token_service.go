package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

const (
	defaultAccessTokenTTL = time.Hour
	defaultSigningKeyID   = "primary"
)

// SigningKey is a symmetric HS256 key and its kid
type SigningKey struct {
	ID     string
	Secret []byte
}

// TokenService signs and verifies access tokens
type TokenService interface {
	// Generate mints an access token for account with the default TTL
	Generate(account *Account) (string, time.Time, error)
	SignClaims(claims *Claims) (string, error)
	Validate(tokenString string) (*Claims, error)
}

// TokenServiceConfig configures a TokenServiceImpl
type TokenServiceConfig struct {
	SigningKey SigningKey
	// PreviousKeys still verify but are never used to sign
	PreviousKeys []SigningKey
	Issuer       string
	Audience     []string
	AccessTTL    time.Duration
}

// TokenServiceImpl implements the TokenService interface
type TokenServiceImpl struct {
	current   SigningKey
	keyfunc   jwt.Keyfunc
	issuer    string
	audience  jwt.ClaimStrings
	accessTTL time.Duration
	logger    Logger
}

// NewTokenService creates a new TokenService instance. The signing key is
// required and is held for the lifetime of the service.
func NewTokenService(cfg TokenServiceConfig, logger Logger) (*TokenServiceImpl, error) {
	if len(cfg.SigningKey.Secret) == 0 {
		return nil, errMissingSigningKey
	}
	if cfg.SigningKey.ID == "" {
		cfg.SigningKey.ID = defaultSigningKeyID
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTokenTTL
	}

	given := make(map[string]keyfunc.GivenKey, len(cfg.PreviousKeys)+1)
	for _, key := range cfg.PreviousKeys {
		if key.ID == "" || len(key.Secret) == 0 {
			continue
		}
		given[key.ID] = keyfunc.NewGivenCustom(key.Secret, keyfunc.GivenKeyOptions{
			Algorithm: jwt.SigningMethodHS256.Alg(),
		})
	}
	given[cfg.SigningKey.ID] = keyfunc.NewGivenCustom(cfg.SigningKey.Secret, keyfunc.GivenKeyOptions{
		Algorithm: jwt.SigningMethodHS256.Alg(),
	})

	var aud jwt.ClaimStrings
	if len(cfg.Audience) > 0 {
		aud = append(aud, cfg.Audience...)
	}

	ts := &TokenServiceImpl{
		current:   cfg.SigningKey,
		issuer:    cfg.Issuer,
		audience:  aud,
		accessTTL: cfg.AccessTTL,
		logger:    normalizeLogger(logger),
	}
	ts.keyfunc = ts.lookupKey(keyfunc.NewGiven(given).Keyfunc)

	return ts, nil
}

// NewTokenServiceFromConfig builds a TokenService from Config
func NewTokenServiceFromConfig(cfg Config, logger Logger) (*TokenServiceImpl, error) {
	previous := make([]SigningKey, 0, len(cfg.GetPreviousSigningKeys()))
	for kid, secret := range cfg.GetPreviousSigningKeys() {
		previous = append(previous, SigningKey{ID: kid, Secret: []byte(secret)})
	}

	return NewTokenService(TokenServiceConfig{
		SigningKey: SigningKey{
			ID:     cfg.GetSigningKeyID(),
			Secret: []byte(cfg.GetSigningKey()),
		},
		PreviousKeys: previous,
		Issuer:       cfg.GetIssuer(),
		Audience:     cfg.GetAudience(),
		AccessTTL:    cfg.GetAccessTokenTTL(),
	}, logger)
}

// Generate creates an access token for account
func (ts *TokenServiceImpl) Generate(account *Account) (string, time.Time, error) {
	return MintScopedToken(ts, account, ScopedTokenOptions{})
}

// SignClaims signs claims with the current key and stamps its kid
func (ts *TokenServiceImpl) SignClaims(claims *Claims) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	ensureTokenID(&claims.RegisteredClaims)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = ts.current.ID

	signedString, err := token.SignedString(ts.current.Secret)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Validate parses and verifies a token string. It fails with
// ErrTokenExpired or ErrTokenMalformed.
func (ts *TokenServiceImpl) Validate(tokenString string) (*Claims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, ts.keyfunc, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		ts.logger.Debug("token validation failed", "error", err)
		return nil, ErrTokenMalformed
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrTokenMalformed
}

// lookupKey resolves keys by kid, falling back to the current key for
// tokens minted without one.
func (ts *TokenServiceImpl) lookupKey(byKID jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Warn("unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if kid, _ := t.Header["kid"].(string); kid == "" {
			return ts.current.Secret, nil
		}
		return byKID(t)
	}
}

func (ts *TokenServiceImpl) defaultTokenOptions() ScopedTokenOptions {
	return ScopedTokenOptions{
		Issuer:   ts.issuer,
		Audience: slices.Clone([]string(ts.audience)),
		TTL:      ts.accessTTL,
	}
}
