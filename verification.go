package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	defaultVerificationTTL = 15 * time.Minute
	maxIssueAttempts       = 3
)

// IssuedVerificationToken is returned by VerificationManager.Issue. Token is
// the raw value; only its digest is stored.
type IssuedVerificationToken struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

// VerificationManagerOption customizes a VerificationManager
type VerificationManagerOption func(*VerificationManager)

// WithVerificationTTL overrides the 15 minute token lifetime
func WithVerificationTTL(ttl time.Duration) VerificationManagerOption {
	return func(m *VerificationManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithVerificationClock injects a custom clock (useful for tests).
func WithVerificationClock(clock func() time.Time) VerificationManagerOption {
	return func(m *VerificationManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithVerificationLogger overrides the logger
func WithVerificationLogger(logger Logger) VerificationManagerOption {
	return func(m *VerificationManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithVerificationTemplates overrides the message templates
func WithVerificationTemplates(t MessageTemplates) VerificationManagerOption {
	return func(m *VerificationManager) {
		m.templates = t
	}
}

// VerificationManager issues and confirms email verification tokens
type VerificationManager struct {
	repo         RepositoryManager
	credentials  *CredentialStore
	stateMachine AccountStateMachine
	dispatcher   *Dispatcher
	templates    MessageTemplates
	ttl          time.Duration
	now          func() time.Time
	logger       Logger
}

// NewVerificationManager returns a manager wired to its collaborators
func NewVerificationManager(repo RepositoryManager, credentials *CredentialStore, stateMachine AccountStateMachine, dispatcher *Dispatcher, opts ...VerificationManagerOption) *VerificationManager {
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	m := &VerificationManager{
		repo:         repo,
		credentials:  credentials,
		stateMachine: stateMachine,
		dispatcher:   dispatcher,
		ttl:          defaultVerificationTTL,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       defLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Issue creates a new ACTIVE token for account, superseding any previous
// one, and hands it to the notifier. Delivery happens in the background and
// its failure does not affect the returned token.
func (m *VerificationManager) Issue(ctx context.Context, account *Account) (*IssuedVerificationToken, error) {
	if account == nil {
		return nil, ErrNotFound
	}

	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	raw, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	record := &VerificationToken{
		AccountID: account.ID,
		TokenHash: HashToken(raw),
		Status:    TokenStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.supersede(wctx, record); err != nil {
		return nil, internalError(err, "failed to issue verification token")
	}

	m.logger.Debug("verification token issued", "account_id", account.ID.String(), "expires_at", record.ExpiresAt)

	m.dispatcher.Dispatch(ctx, m.templates.Verification(account, raw))

	return &IssuedVerificationToken{
		Token:     raw,
		AccountID: account.ID.String(),
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// supersede deactivates the ACTIVE tokens of the account and inserts record
// in one transaction. A concurrent issuer trips the partial unique index and
// the loser retries on top of the winner.
func (m *VerificationManager) supersede(ctx context.Context, record *VerificationToken) error {
	var err error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		err = m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := m.repo.VerificationTokens().DeactivateActiveTx(ctx, tx, record.AccountID); err != nil {
				return err
			}
			record.ID = uuid.Nil
			return m.repo.VerificationTokens().CreateTx(ctx, tx, record)
		})
		if !errors.Is(err, errConcurrentIssuance) {
			return err
		}
		m.logger.Debug("verification token issuance retry", "account_id", record.AccountID.String(), "attempt", attempt+1)
	}
	return err
}

// Confirm consumes token and activates its UNVERIFIED account. Every failure
// is reported as ErrInvalidOrExpired.
func (m *VerificationManager) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidOrExpired
	}

	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	hash := HashToken(token)
	now := m.now()

	var account *Account
	pending := &PendingActivity{}
	err = m.repo.RunInTx(wctx, nil, func(ctx context.Context, tx bun.Tx) error {
		pending.Discard()

		record, err := m.repo.VerificationTokens().FindByHashTx(ctx, tx, hash)
		if err != nil {
			if isNotFound(err) {
				return ErrInvalidOrExpired
			}
			return err
		}

		if record.Status != TokenStatusActive || record.IsExpired(now) {
			return ErrInvalidOrExpired
		}

		account, err = m.repo.Accounts().FindByIDTx(ctx, tx, record.AccountID)
		if err != nil {
			if isNotFound(err) {
				return ErrInvalidOrExpired
			}
			return err
		}

		if account.Status == AccountStatusDeleted {
			return ErrInvalidOrExpired
		}

		consumed, err := m.repo.VerificationTokens().ConsumeTx(ctx, tx, record.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrInvalidOrExpired
		}

		if account.Status != AccountStatusUnverified {
			return nil
		}

		_, err = m.stateMachine.Transition(ctx, AccountActor(account), account, AccountStatusActive,
			WithTransitionTx(tx),
			WithDeferredActivity(pending),
			WithTransitionReason("email verified"),
		)
		if errors.Is(err, ErrInvalidTransition) {
			return ErrInvalidOrExpired
		}
		return err
	})
	if err != nil {
		return internalError(err, "failed to confirm verification token")
	}

	pending.Flush(ctx)

	return nil
}

// Resend issues a fresh token for the account bound to email. The previous
// token, if any, stops working.
func (m *VerificationManager) Resend(ctx context.Context, email string) (*IssuedVerificationToken, error) {
	account, err := m.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return m.Issue(ctx, account)
}

// ActiveTokens reports how many ACTIVE tokens the account holds
func (m *VerificationManager) ActiveTokens(ctx context.Context, accountID string) (int, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return 0, err
	}
	return m.repo.VerificationTokens().CountActiveTx(ctx, m.repo.DB(), id)
}
