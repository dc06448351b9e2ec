package identity

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

const defaultWriteTimeout = 10 * time.Second

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	Validate() error
	MustValidate()
	RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error
	DB() *bun.DB
	Accounts() Accounts
	VerificationTokens() VerificationTokens
	ResetTokens() ResetTokens
	RefreshSessions() RefreshSessionStore
}

// RepositoryManagerOption customizes the manager
type RepositoryManagerOption func(*mngr)

// WithRefreshSessionStore replaces the SQL refresh session store, e.g. with
// the redis backed one.
func WithRefreshSessionStore(store RefreshSessionStore) RepositoryManagerOption {
	return func(m *mngr) {
		if store != nil {
			m.refreshSessions = store
		}
	}
}

type mngr struct {
	db                 *bun.DB
	accounts           Accounts
	verificationTokens VerificationTokens
	resetTokens        ResetTokens
	refreshSessions    RefreshSessionStore
}

// NewRepositoryManager wires the bun repositories around db
func NewRepositoryManager(db *bun.DB, opts ...RepositoryManagerOption) RepositoryManager {
	m := &mngr{
		db:                 db,
		accounts:           NewAccountsRepository(db),
		verificationTokens: NewVerificationTokensRepository(),
		resetTokens:        NewResetTokensRepository(),
		refreshSessions:    NewRefreshSessionsRepository(db),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *mngr) Validate() error {
	if m.db == nil {
		return errors.New("database should be initialized")
	}

	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}

	if m.verificationTokens == nil {
		return errors.New("repository verificationTokens should be initialized")
	}

	if m.resetTokens == nil {
		return errors.New("repository resetTokens should be initialized")
	}

	if m.refreshSessions == nil {
		return errors.New("repository refreshSessions should be initialized")
	}

	return nil
}

func (m *mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m *mngr) DB() *bun.DB {
	return m.db
}

func (m *mngr) Accounts() Accounts {
	return m.accounts
}

func (m *mngr) VerificationTokens() VerificationTokens {
	return m.verificationTokens
}

func (m *mngr) ResetTokens() ResetTokens {
	return m.resetTokens
}

func (m *mngr) RefreshSessions() RefreshSessionStore {
	return m.refreshSessions
}

// writeContext detaches ctx from the caller's cancellation so a dropped
// client cannot abort a state change half way. It refuses to start when ctx
// is already done.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	select {
	case <-ctx.Done():
		return nil, nil, goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled before write")
	default:
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	return wctx, cancel, nil
}
