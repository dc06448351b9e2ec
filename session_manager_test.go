package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLoginIssuesTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "login@example.com")

	result, err := env.Sessions.Login(ctx, "login@example.com", testPassword)
	require.NoError(t, err)

	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Empty(t, result.AdminToken)
	assert.Nil(t, result.AdminTokenExpiresAt)
	assert.Equal(t, account.ID, result.Account.ID)
	assert.Equal(t, env.Clock.Now().Add(time.Hour), result.AccessTokenExpiresAt)
	assert.Equal(t, env.Clock.Now().Add(30*24*time.Hour), result.RefreshTokenExpiresAt)

	claims, err := env.Tokens.Validate(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID.String(), claims.SubjectID())
	assert.Equal(t, "login@example.com", claims.Email)
	assert.False(t, claims.HasScope(identity.ScopeAdmin))

	count, err := env.Repo.RefreshSessions().Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastActiveAt)

	assert.Contains(t, env.Sink.Types(), identity.ActivityEventLoginSuccess)
}

func TestSessionLoginBadPassword(t *testing.T) {
	env := newTestEnv(t)

	env.signupActive(t, "badpw@example.com")

	_, err := env.Sessions.Login(context.Background(), "badpw@example.com", "not the password")
	assert.ErrorIs(t, err, identity.ErrBadPassword)
	assert.Contains(t, env.Sink.Types(), identity.ActivityEventLoginFailure)

	_, err = env.Sessions.Login(context.Background(), "nobody@example.com", testPassword)
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestSessionLoginUnverifiedGetsNoSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "unverified@example.com")

	result, err := env.Sessions.Login(ctx, "unverified@example.com", testPassword)
	assert.ErrorIs(t, err, identity.ErrNotVerified)
	assert.Nil(t, result)

	count, err := env.Repo.RefreshSessions().Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSessionLoginReactivatesInactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "sleepy@example.com")
	_, err := env.Lifecycle.Deactivate(ctx, identity.AccountActor(account), account.ID)
	require.NoError(t, err)

	result, err := env.Sessions.Login(ctx, "sleepy@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusActive, result.Account.Status)

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusActive, stored.Status)
}

func TestSessionLoginDeletedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "deleted@example.com")
	_, err := env.Lifecycle.Delete(ctx, identity.AccountActor(account), account.ID)
	require.NoError(t, err)

	_, err = env.Sessions.Login(ctx, "deleted@example.com", testPassword)
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestSessionAdminLoginGetsAdminToken(t *testing.T) {
	env := newTestEnv(t)

	env.signupActive(t, "admin@example.com", identity.RoleAdmin)

	result, err := env.Sessions.Login(context.Background(), "admin@example.com", testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, result.AdminToken)
	require.NotNil(t, result.AdminTokenExpiresAt)

	claims, err := env.Tokens.Validate(result.AdminToken)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(identity.ScopeAdmin))
	assert.True(t, claims.Admin)
	assert.Contains(t, claims.Authorities, identity.AuthorityAdmin)

	access, err := env.Tokens.Validate(result.AccessToken)
	require.NoError(t, err)
	assert.False(t, access.HasScope(identity.ScopeAdmin))
}

func TestSessionRefreshTokenWorksOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "refresh@example.com")
	login, err := env.Sessions.Login(ctx, "refresh@example.com", testPassword)
	require.NoError(t, err)

	pair, err := env.Sessions.Refresh(ctx, account.ID.String(), login.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, pair.RefreshToken)
	assert.NotEmpty(t, pair.AccessToken)

	_, err = env.Sessions.Refresh(ctx, account.ID.String(), login.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	next, err := env.Sessions.Refresh(ctx, account.ID.String(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.RefreshToken)

	count, err := env.Repo.RefreshSessions().Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSessionConcurrentRefreshRotatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "parallel@example.com")
	login, err := env.Sessions.Login(ctx, "parallel@example.com", testPassword)
	require.NoError(t, err)

	const workers = 6
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Sessions.Refresh(ctx, account.ID.String(), login.RefreshToken)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, identity.ErrUnauthorized)
	}
	assert.Equal(t, 1, succeeded)

	count, err := env.Repo.RefreshSessions().Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSessionRefreshRejectsForeignAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner := env.signupActive(t, "owner@example.com")
	other := env.signupActive(t, "other@example.com")

	login, err := env.Sessions.Login(ctx, "owner@example.com", testPassword)
	require.NoError(t, err)

	_, err = env.Sessions.Refresh(ctx, other.ID.String(), login.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	// the owner's session survives the foreign attempt
	_, err = env.Sessions.Refresh(ctx, owner.ID.String(), login.RefreshToken)
	require.NoError(t, err)
}

func TestSessionRefreshRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.Sessions.Refresh(ctx, "not-a-uuid", "token")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	_, err = env.Sessions.Refresh(ctx, uuid.NewString(), "")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	_, err = env.Sessions.Refresh(ctx, uuid.NewString(), "token")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)
}

func TestSessionRefreshExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "stale@example.com")
	login, err := env.Sessions.Login(ctx, "stale@example.com", testPassword)
	require.NoError(t, err)

	env.Clock.Advance(31 * 24 * time.Hour)

	_, err = env.Sessions.Refresh(ctx, account.ID.String(), login.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	count, err := env.Repo.RefreshSessions().Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSessionLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "logout@example.com")
	first, err := env.Sessions.Login(ctx, "logout@example.com", testPassword)
	require.NoError(t, err)
	second, err := env.Sessions.Login(ctx, "logout@example.com", testPassword)
	require.NoError(t, err)
	_, err = env.Sessions.Login(ctx, "logout@example.com", testPassword)
	require.NoError(t, err)

	require.NoError(t, env.Sessions.Logout(ctx, account.ID.String(), first.RefreshToken))

	_, err = env.Sessions.Refresh(ctx, account.ID.String(), first.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	n, err := env.Sessions.LogoutAll(ctx, account.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = env.Sessions.Refresh(ctx, account.ID.String(), second.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	assert.ErrorIs(t, env.Sessions.Logout(ctx, "bad", "x"), identity.ErrUnauthorized)
}
