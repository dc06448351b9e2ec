package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// VerificationTokens stores email verification tokens
type VerificationTokens interface {
	// DeactivateActiveTx marks every ACTIVE token of the account INACTIVE
	DeactivateActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error)
	CreateTx(ctx context.Context, tx bun.IDB, token *VerificationToken) error
	FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*VerificationToken, error)
	// ConsumeTx flips the token from ACTIVE to INACTIVE and reports whether
	// this call was the one that did it.
	ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	CountActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int, error)
}

// ResetTokens stores password reset codes
type ResetTokens interface {
	DeactivateActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error)
	CreateTx(ctx context.Context, tx bun.IDB, token *PasswordResetToken) error
	// FindActiveTx returns the ACTIVE token of the account matching code
	FindActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, code string) (*PasswordResetToken, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	CountActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int, error)
}

type verificationTokens struct{}

// NewVerificationTokensRepository returns the bun backed VerificationTokens
func NewVerificationTokensRepository() VerificationTokens {
	return verificationTokens{}
}

func (verificationTokens) DeactivateActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error) {
	return deactivateActive(ctx, tx, (*VerificationToken)(nil), accountID)
}

func (verificationTokens) CreateTx(ctx context.Context, tx bun.IDB, token *VerificationToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	return insertToken(ctx, tx, token)
}

func (verificationTokens) FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*VerificationToken, error) {
	record := &VerificationToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"token": "verification"})
	}
	return record, nil
}

func (verificationTokens) ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	return consumeToken(ctx, tx, (*VerificationToken)(nil), id, at)
}

func (verificationTokens) CountActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int, error) {
	return countActive(ctx, tx, (*VerificationToken)(nil), accountID)
}

type resetTokens struct{}

// NewResetTokensRepository returns the bun backed ResetTokens
func NewResetTokensRepository() ResetTokens {
	return resetTokens{}
}

func (resetTokens) DeactivateActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error) {
	return deactivateActive(ctx, tx, (*PasswordResetToken)(nil), accountID)
}

func (resetTokens) CreateTx(ctx context.Context, tx bun.IDB, token *PasswordResetToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	return insertToken(ctx, tx, token)
}

func (resetTokens) FindActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, code string) (*PasswordResetToken, error) {
	record := &PasswordResetToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", accountID).
		Where("?TableAlias.code = ?", code).
		Where("?TableAlias.status = ?", TokenStatusActive).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"account_id": accountID.String()})
	}
	return record, nil
}

func (resetTokens) ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	return consumeToken(ctx, tx, (*PasswordResetToken)(nil), id, at)
}

func (resetTokens) CountActiveTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int, error) {
	return countActive(ctx, tx, (*PasswordResetToken)(nil), accountID)
}

func insertToken(ctx context.Context, tx bun.IDB, model any) error {
	if _, err := tx.NewInsert().Model(model).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return errConcurrentIssuance
		}
		return internalError(err, "failed to insert token")
	}
	return nil
}

func deactivateActive(ctx context.Context, tx bun.IDB, model any, accountID uuid.UUID) (int64, error) {
	res, err := tx.NewUpdate().
		Model(model).
		Set("status = ?", TokenStatusInactive).
		Where("account_id = ?", accountID).
		Where("status = ?", TokenStatusActive).
		Exec(ctx)
	if err != nil {
		return 0, internalError(err, "failed to deactivate tokens")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func consumeToken(ctx context.Context, tx bun.IDB, model any, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model(model).
		Set("status = ?", TokenStatusInactive).
		Set("consumed_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", TokenStatusActive).
		Exec(ctx)
	if err != nil {
		return false, internalError(err, "failed to consume token")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func countActive(ctx context.Context, tx bun.IDB, model any, accountID uuid.UUID) (int, error) {
	n, err := tx.NewSelect().
		Model(model).
		Where("account_id = ?", accountID).
		Where("status = ?", TokenStatusActive).
		Count(ctx)
	if err != nil {
		return 0, internalError(err, "failed to count tokens")
	}
	return n, nil
}
