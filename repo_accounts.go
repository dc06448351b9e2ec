package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ListFilter narrows account listings
type ListFilter struct {
	IDs        []uuid.UUID
	ExcludeID  uuid.UUID
	Statuses   []AccountStatus
	AdminsOnly bool
	Limit      int
	Offset     int
}

// Accounts is the account repository. Tx variants accept a bun.IDB so they
// can join a transaction opened by RepositoryManager.RunInTx.
type Accounts interface {
	repository.Repository[*Account]

	FindByID(ctx context.Context, id uuid.UUID) (*Account, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error)
	// FindByEmailTx returns the non deleted account bound to email. When
	// statuses are given the account must also be in one of them.
	FindByEmail(ctx context.Context, email string, statuses ...AccountStatus) (*Account, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string, statuses ...AccountStatus) (*Account, error)
	Search(ctx context.Context, filter ListFilter) ([]*Account, error)
	SearchTx(ctx context.Context, tx bun.IDB, filter ListFilter) ([]*Account, error)

	InsertTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error)
	// SetStatusTx moves id from one status to another. It fails with
	// ErrInvalidTransition if the stored status is no longer from.
	SetStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to AccountStatus, at time.Time) error
	SetPasswordHashTx(ctx context.Context, tx bun.IDB, id uuid.UUID, hash string, at time.Time) error
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchLastActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var (
	_ Accounts                        = (*accounts)(nil)
	_ repository.Repository[*Account] = (*accounts)(nil)
)

// NewAccountsRepository returns the bun backed Accounts repository
func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
	})

	return &accounts{
		Repository: repo,
		db:         db,
	}
}

func (a *accounts) FindByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return a.FindByIDTx(ctx, a.db, id)
}

func (a *accounts) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"id": id.String()})
	}
	return record, nil
}

func (a *accounts) FindByEmail(ctx context.Context, email string, statuses ...AccountStatus) (*Account, error) {
	return a.FindByEmailTx(ctx, a.db, email, statuses...)
}

func (a *accounts) FindByEmailTx(ctx context.Context, tx bun.IDB, email string, statuses ...AccountStatus) (*Account, error) {
	record := &Account{}
	q := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", strings.TrimSpace(email)).
		Where("?TableAlias.status <> ?", AccountStatusDeleted)

	if len(statuses) > 0 {
		q = q.Where("?TableAlias.status IN (?)", bun.In(statuses))
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, notFoundOr(err, map[string]any{"email": email})
	}
	return record, nil
}

func (a *accounts) Search(ctx context.Context, filter ListFilter) ([]*Account, error) {
	return a.SearchTx(ctx, a.db, filter)
}

func (a *accounts) SearchTx(ctx context.Context, tx bun.IDB, filter ListFilter) ([]*Account, error) {
	records := make([]*Account, 0)
	q := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.status <> ?", AccountStatusDeleted)

	if len(filter.IDs) > 0 {
		q = q.Where("?TableAlias.id IN (?)", bun.In(filter.IDs))
	}
	if filter.ExcludeID != uuid.Nil {
		q = q.Where("?TableAlias.id <> ?", filter.ExcludeID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("?TableAlias.status IN (?)", bun.In(filter.Statuses))
	}
	if filter.AdminsOnly {
		q = q.Where("?TableAlias.user_role IN (?)", bun.In([]UserRole{RoleAdmin, RoleOwner}))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	if err := q.OrderExpr("?TableAlias.created_at ASC").Scan(ctx); err != nil {
		return nil, internalError(err, "failed to list accounts")
	}
	return records, nil
}

func (a *accounts) InsertTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error) {
	prepareAccountDefaults(account)
	created, err := a.Repository.CreateTx(ctx, tx, account)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, internalError(err, "failed to insert account")
	}
	return created, nil
}

func (a *accounts) SetStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to AccountStatus, at time.Time) error {
	q := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", from)

	if to == AccountStatusDeleted {
		q = q.Set("deleted_at = ?", at)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			// reactivating an email that a newer account already holds
			return ErrAlreadyExists
		}
		return internalError(err, "failed to update account status")
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return ErrInvalidTransition
	}
	return nil
}

func (a *accounts) SetPasswordHashTx(ctx context.Context, tx bun.IDB, id uuid.UUID, hash string, at time.Time) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status <> ?", AccountStatusDeleted).
		Exec(ctx)
	if err != nil {
		return internalError(err, "failed to update password hash")
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

func (a *accounts) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	return a.TouchLastActiveTx(ctx, a.db, id, at)
}

func (a *accounts) TouchLastActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("last_active_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return internalError(err, "failed to track account activity")
	}
	return nil
}

func prepareAccountDefaults(account *Account) {
	if account == nil {
		return
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.EnsureStatus()
	if !account.Role.IsValid() {
		account.Role = RoleMember
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

// notFoundOr maps missing rows to a repository not found error and wraps
// everything else.
func notFoundOr(err error, meta map[string]any) error {
	if isNotFound(err) {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return internalError(err, "query failed")
}
