package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultResetCodeTTL = 24 * time.Hour

// PasswordResetOption customizes a PasswordResetManager
type PasswordResetOption func(*PasswordResetManager)

// WithResetCodeTTL sets how long a reset code stays usable. Zero disables
// the time limit, leaving supersession as the only way a code goes stale.
func WithResetCodeTTL(ttl time.Duration) PasswordResetOption {
	return func(m *PasswordResetManager) {
		if ttl >= 0 {
			m.ttl = ttl
		}
	}
}

// WithPasswordResetClock injects a custom clock (useful for tests).
func WithPasswordResetClock(clock func() time.Time) PasswordResetOption {
	return func(m *PasswordResetManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithPasswordResetLogger overrides the logger
func WithPasswordResetLogger(logger Logger) PasswordResetOption {
	return func(m *PasswordResetManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPasswordResetActivitySink sets the sink for reset events
func WithPasswordResetActivitySink(sink ActivitySink) PasswordResetOption {
	return func(m *PasswordResetManager) {
		m.activity = normalizeActivitySink(sink)
	}
}

// WithPasswordResetTemplates overrides the message templates
func WithPasswordResetTemplates(t MessageTemplates) PasswordResetOption {
	return func(m *PasswordResetManager) {
		m.templates = t
	}
}

// PasswordResetManager issues and redeems six digit reset codes
type PasswordResetManager struct {
	repo        RepositoryManager
	credentials *CredentialStore
	dispatcher  *Dispatcher
	templates   MessageTemplates
	activity    ActivitySink
	ttl         time.Duration
	now         func() time.Time
	logger      Logger
	newCode     func() (string, error)
}

// NewPasswordResetManager returns a manager wired to its collaborators
func NewPasswordResetManager(repo RepositoryManager, credentials *CredentialStore, dispatcher *Dispatcher, opts ...PasswordResetOption) *PasswordResetManager {
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	m := &PasswordResetManager{
		repo:        repo,
		credentials: credentials,
		dispatcher:  dispatcher,
		activity:    noopActivitySink{},
		ttl:         defaultResetCodeTTL,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      defLogger(),
		newCode:     NewResetCode,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Request deactivates any ACTIVE code of the account bound to email, stores
// a fresh one and sends it. Both writes commit together.
func (m *PasswordResetManager) Request(ctx context.Context, email string) error {
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	account, err := m.credentials.FindByEmail(wctx, email)
	if err != nil {
		return err
	}

	code, err := m.newCode()
	if err != nil {
		return err
	}

	record := &PasswordResetToken{
		AccountID: account.ID,
		Code:      code,
		Status:    TokenStatusActive,
		CreatedAt: m.now(),
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		err = m.repo.RunInTx(wctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := m.repo.ResetTokens().DeactivateActiveTx(ctx, tx, account.ID); err != nil {
				return err
			}
			record.ID = uuid.Nil
			return m.repo.ResetTokens().CreateTx(ctx, tx, record)
		})
		if !errors.Is(err, errConcurrentIssuance) {
			break
		}
		m.logger.Debug("reset code issuance retry", "account_id", account.ID.String(), "attempt", attempt+1)
	}
	if err != nil {
		return internalError(err, "failed to issue password reset code")
	}

	m.dispatcher.Dispatch(ctx, m.templates.PasswordReset(account, code))

	return nil
}

// Confirm sets newPassword on the ACTIVE account bound to email when code is
// its current reset code. The code is consumed in the same transaction. An
// unknown email, a non ACTIVE account and a bad code all fail with
// ErrInvalidOrExpired.
func (m *PasswordResetManager) Confirm(ctx context.Context, email, code, newPassword string) error {
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	// hash first so every outcome pays for bcrypt, and outside the transaction
	hash, err := m.credentials.HashPassword(newPassword)
	if err != nil {
		return err
	}

	if code == "" {
		return ErrInvalidOrExpired
	}

	// an unknown or non ACTIVE email must look like a bad code
	account, err := m.credentials.FindByEmail(wctx, email, AccountStatusActive)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpired
		}
		return err
	}

	now := m.now()
	var record *PasswordResetToken

	err = m.repo.RunInTx(wctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err = m.repo.ResetTokens().FindActiveTx(ctx, tx, account.ID, code)
		if err != nil {
			if isNotFound(err) {
				return ErrInvalidOrExpired
			}
			return err
		}

		if olderThan(now, record.CreatedAt, m.ttl) {
			return ErrInvalidOrExpired
		}

		consumed, err := m.repo.ResetTokens().ConsumeTx(ctx, tx, record.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrInvalidOrExpired
		}

		return m.credentials.SetPasswordHashTx(ctx, tx, account, hash)
	})
	if err != nil {
		return internalError(err, "failed to reset password")
	}

	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		Actor:     AccountActor(account),
		AccountID: account.ID.String(),
		Metadata: map[string]any{
			"password_reset_id": record.ID.String(),
		},
		OccurredAt: now,
	})

	return nil
}
