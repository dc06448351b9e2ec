package identity_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	key      string
	kid      string
	previous map[string]string
}

func (c mockConfig) GetSigningKey() string                     { return c.key }
func (c mockConfig) GetSigningKeyID() string                   { return c.kid }
func (c mockConfig) GetPreviousSigningKeys() map[string]string { return c.previous }
func (c mockConfig) GetIssuer() string                         { return "identity-test" }
func (c mockConfig) GetAudience() []string                     { return []string{"app"} }
func (c mockConfig) GetAccessTokenTTL() time.Duration          { return 10 * time.Minute }
func (c mockConfig) GetAdminTokenTTL() time.Duration           { return time.Hour }
func (c mockConfig) GetRefreshTokenTTL() time.Duration         { return 24 * time.Hour }
func (c mockConfig) GetVerificationTokenTTL() time.Duration    { return 15 * time.Minute }
func (c mockConfig) GetResetCodeTTL() time.Duration            { return 24 * time.Hour }
func (c mockConfig) GetPasswordHashCost() int                  { return 4 }
func (c mockConfig) GetAppHost() string                        { return "https://app.test" }

func newTestTokenService(t *testing.T, key identity.SigningKey, previous ...identity.SigningKey) *identity.TokenServiceImpl {
	t.Helper()
	ts, err := identity.NewTokenService(identity.TokenServiceConfig{
		SigningKey:   key,
		PreviousKeys: previous,
		Issuer:       "identity-test",
		Audience:     []string{"app"},
	}, nil)
	require.NoError(t, err)
	return ts
}

func testAccount(role identity.UserRole) *identity.Account {
	return &identity.Account{
		ID:     uuid.New(),
		Email:  "token@example.com",
		Role:   role,
		Status: identity.AccountStatusActive,
	}
}

func TestTokenServiceGenerateAndValidate(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})
	account := testAccount(identity.RoleMember)

	token, exp, err := ts.Generate(account)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := ts.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, account.ID.String(), claims.SubjectID())
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)
	assert.Equal(t, "token@example.com", claims.Email)
	assert.Equal(t, "member", claims.UserRole)
	assert.Equal(t, []string{identity.AuthorityUser}, claims.Authorities)
	assert.False(t, claims.Admin)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, "identity-test", claims.Issuer)
	assert.WithinDuration(t, exp, claims.Expires(), time.Second)
	assert.False(t, claims.Issued().IsZero())
}

func TestTokenServiceRequiresSigningKey(t *testing.T) {
	_, err := identity.NewTokenService(identity.TokenServiceConfig{}, nil)
	require.Error(t, err)
}

func TestTokenServiceStampsKeyID(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})

	token, _, err := ts.Generate(testAccount(identity.RoleMember))
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &identity.Claims{})
	require.NoError(t, err)
	assert.Equal(t, "k1", parsed.Header["kid"])
}

func TestTokenServiceKeyRotation(t *testing.T) {
	oldKey := identity.SigningKey{ID: "k1", Secret: []byte("old-secret-0123456789abcdef0123")}
	newKey := identity.SigningKey{ID: "k2", Secret: []byte("new-secret-0123456789abcdef0123")}

	before := newTestTokenService(t, oldKey)
	token, _, err := before.Generate(testAccount(identity.RoleMember))
	require.NoError(t, err)

	after := newTestTokenService(t, newKey, oldKey)
	_, err = after.Validate(token)
	require.NoError(t, err)

	retired := newTestTokenService(t, newKey)
	_, err = retired.Validate(token)
	assert.ErrorIs(t, err, identity.ErrTokenMalformed)
}

func TestTokenServiceRejectsExpiredToken(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})

	token, _, err := identity.MintScopedToken(ts, testAccount(identity.RoleMember), identity.ScopedTokenOptions{
		IssuedAt: time.Now().Add(-2 * time.Hour),
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	_, err = ts.Validate(token)
	assert.ErrorIs(t, err, identity.ErrTokenExpired)
	assert.True(t, identity.IsTokenExpiredError(err))
}

func TestTokenServiceRejectsMalformedTokens(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})
	other := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte("some-other-secret-0123456789abc")})

	forged, _, err := other.Generate(testAccount(identity.RoleMember))
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage": "not.a.jwt",
		"empty":   "",
		"forged":  forged,
		"none":    noneToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ts.Validate(token)
			assert.ErrorIs(t, err, identity.ErrTokenMalformed)
			assert.True(t, identity.IsMalformedError(err))
		})
	}
}

func TestTokenServiceRejectsWrongAudience(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})

	token, _, err := identity.MintScopedToken(ts, testAccount(identity.RoleMember), identity.ScopedTokenOptions{
		Audience: []string{"someone-else"},
	})
	require.NoError(t, err)

	_, err = ts.Validate(token)
	assert.ErrorIs(t, err, identity.ErrTokenMalformed)
}

func TestMintScopedTokenForAdmin(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})
	issuedAt := time.Now().Truncate(time.Second)

	token, exp, err := identity.MintScopedToken(ts, testAccount(identity.RoleAdmin), identity.ScopedTokenOptions{
		TTL:      5 * time.Minute,
		IssuedAt: issuedAt,
		Scopes:   []string{identity.ScopeAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, issuedAt.Add(5*time.Minute), exp)

	claims, err := ts.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
	assert.True(t, claims.HasScope(identity.ScopeAdmin))
	assert.ElementsMatch(t, []string{identity.AuthorityUser, identity.AuthorityAdmin}, claims.Authorities)
}

func TestMintScopedTokenRequiresInputs(t *testing.T) {
	ts := newTestTokenService(t, identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)})

	_, _, err := identity.MintScopedToken(nil, testAccount(identity.RoleMember), identity.ScopedTokenOptions{})
	assert.Error(t, err)

	_, _, err = identity.MintScopedToken(ts, nil, identity.ScopedTokenOptions{})
	assert.Error(t, err)
}

func TestNewTokenServiceFromConfig(t *testing.T) {
	oldKey := identity.SigningKey{ID: "k0", Secret: []byte("old-secret-0123456789abcdef0123")}
	legacy := newTestTokenService(t, oldKey)
	token, _, err := legacy.Generate(testAccount(identity.RoleMember))
	require.NoError(t, err)

	ts, err := identity.NewTokenServiceFromConfig(mockConfig{
		key:      testSigningKey,
		kid:      "k1",
		previous: map[string]string{"k0": string(oldKey.Secret)},
	}, nil)
	require.NoError(t, err)

	_, err = ts.Validate(token)
	require.NoError(t, err)

	fresh, exp, err := ts.Generate(testAccount(identity.RoleMember))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), exp, 5*time.Second)

	claims, err := ts.Validate(fresh)
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"app"}, claims.Audience)
}
