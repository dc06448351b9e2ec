package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationIssueAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "verify@example.com")

	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, account.ID.String(), issued.AccountID)
	assert.Equal(t, env.Clock.Now().Add(15*time.Minute), issued.ExpiresAt)

	env.Dispatcher.Wait()
	msg := env.Notifier.Last(t)
	assert.Equal(t, identity.MessageKindVerification, msg.Kind)
	assert.Equal(t, "verify@example.com", msg.To)
	assert.Contains(t, msg.Body, "https://app.test/api/users/confirmation?token=")
	assert.Equal(t, issued.Token, tokenFromBody(t, msg.Body))

	require.NoError(t, env.Verification.Confirm(ctx, issued.Token))

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusActive, stored.Status)

	active, err := env.Verification.ActiveTokens(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestVerificationTokenIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "once@example.com")
	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	require.NoError(t, env.Verification.Confirm(ctx, issued.Token))

	err = env.Verification.Confirm(ctx, issued.Token)
	assert.ErrorIs(t, err, identity.ErrInvalidOrExpired)
}

func TestVerificationRejectsUnknownAndEmptyTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.Verification.Confirm(ctx, ""), identity.ErrInvalidOrExpired)
	assert.ErrorIs(t, env.Verification.Confirm(ctx, "not-a-token"), identity.ErrInvalidOrExpired)
}

func TestVerificationTokenExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "late@example.com")
	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	env.Clock.Advance(15*time.Minute + time.Second)

	err = env.Verification.Confirm(ctx, issued.Token)
	assert.ErrorIs(t, err, identity.ErrInvalidOrExpired)

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusUnverified, stored.Status)
}

func TestVerificationTokenValidAtExpiryInstant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "ontime@example.com")
	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	env.Clock.Advance(15 * time.Minute)

	require.NoError(t, env.Verification.Confirm(ctx, issued.Token))

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusActive, stored.Status)
}

func TestVerificationConfirmRecordsStatusChangeOnlyOnCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "committed@example.com")
	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	statusChanges := func() int {
		n := 0
		for _, typ := range env.Sink.Types() {
			if typ == identity.ActivityEventAccountStatusChanged {
				n++
			}
		}
		return n
	}

	env.Clock.Advance(15*time.Minute + time.Second)
	require.ErrorIs(t, env.Verification.Confirm(ctx, issued.Token), identity.ErrInvalidOrExpired)
	assert.Zero(t, statusChanges())

	fresh, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)
	require.NoError(t, env.Verification.Confirm(ctx, fresh.Token))
	assert.Equal(t, 1, statusChanges())

	require.ErrorIs(t, env.Verification.Confirm(ctx, fresh.Token), identity.ErrInvalidOrExpired)
	assert.Equal(t, 1, statusChanges())
}

func TestVerificationResendSupersedesPreviousToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "resend@example.com")

	first, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	second, err := env.Verification.Resend(ctx, "resend@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	active, err := env.Verification.ActiveTokens(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	assert.ErrorIs(t, env.Verification.Confirm(ctx, first.Token), identity.ErrInvalidOrExpired)
	require.NoError(t, env.Verification.Confirm(ctx, second.Token))
}

func TestVerificationResendUnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Verification.Resend(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestVerificationConfirmOnActiveAccountConsumesWithoutTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signupActive(t, "already@example.com")

	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)
	require.NoError(t, env.Verification.Confirm(ctx, issued.Token))

	stored, err := env.Credentials.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountStatusActive, stored.Status)
}

func TestVerificationConfirmRejectsDeletedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "gone@example.com")
	issued, err := env.Verification.Issue(ctx, account)
	require.NoError(t, err)

	_, err = env.Lifecycle.Delete(ctx, identity.AccountActor(account), account.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, env.Verification.Confirm(ctx, issued.Token), identity.ErrInvalidOrExpired)
}

func TestVerificationDeliveryFailureDoesNotFailIssuance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		reports []error
	)
	notifier := &capturingNotifier{err: errors.New("smtp down")}
	dispatcher := identity.NewDispatcher(notifier, identity.WithDeliveryReport(func(msg identity.Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, err)
	}))
	manager := identity.NewVerificationManager(env.Repo, env.Credentials, env.StateMachine, dispatcher)

	account := env.signup(t, "nodelivery@example.com")

	issued, err := manager.Issue(ctx, account)
	require.NoError(t, err)
	dispatcher.Wait()

	mu.Lock()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0], identity.ErrDeliveryFailed)
	mu.Unlock()

	require.NoError(t, manager.Confirm(ctx, issued.Token))
}

func TestVerificationConcurrentIssueLeavesOneActiveToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.signup(t, "race@example.com")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Verification.Issue(ctx, account)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	active, err := env.Verification.ActiveTokens(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestVerificationIssueRejectsCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	account := env.signup(t, "cancel@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.Verification.Issue(ctx, account)
	require.Error(t, err)

	active, err := env.Verification.ActiveTokens(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Zero(t, active)
}
