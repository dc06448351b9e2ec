package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RefreshSessionStore persists refresh sessions. Implementations must make
// Rotate atomic: of two concurrent rotations of the same session at most one
// succeeds.
type RefreshSessionStore interface {
	Create(ctx context.Context, session *RefreshSession) error
	// Rotate removes the session matching (accountID, hash) and stores next
	// in its place. Missing, foreign or expired sessions fail with
	// ErrUnauthorized and leave nothing behind.
	Rotate(ctx context.Context, accountID uuid.UUID, hash string, next *RefreshSession, now time.Time) error
	Delete(ctx context.Context, accountID uuid.UUID, hash string) error
	DeleteAll(ctx context.Context, accountID uuid.UUID) (int64, error)
	Count(ctx context.Context, accountID uuid.UUID) (int, error)
}

type sqlRefreshSessions struct {
	db *bun.DB
}

var _ RefreshSessionStore = (*sqlRefreshSessions)(nil)

// NewRefreshSessionsRepository returns a bun backed RefreshSessionStore
func NewRefreshSessionsRepository(db *bun.DB) RefreshSessionStore {
	return &sqlRefreshSessions{db: db}
}

func (s *sqlRefreshSessions) Create(ctx context.Context, session *RefreshSession) error {
	return s.createTx(ctx, s.db, session)
}

func (s *sqlRefreshSessions) createTx(ctx context.Context, tx bun.IDB, session *RefreshSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if _, err := tx.NewInsert().Model(session).Exec(ctx); err != nil {
		return internalError(err, "failed to create refresh session")
	}
	return nil
}

func (s *sqlRefreshSessions) Rotate(ctx context.Context, accountID uuid.UUID, hash string, next *RefreshSession, now time.Time) error {
	var expired bool

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := &RefreshSession{}
		err := tx.NewSelect().
			Model(current).
			Where("?TableAlias.token_hash = ?", hash).
			Where("?TableAlias.account_id = ?", accountID).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if isNotFound(err) {
				return ErrUnauthorized
			}
			return internalError(err, "failed to load refresh session")
		}

		res, err := tx.NewDelete().
			Model((*RefreshSession)(nil)).
			Where("id = ?", current.ID).
			Exec(ctx)
		if err != nil {
			return internalError(err, "failed to delete refresh session")
		}

		// someone else rotated it between our read and delete
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrUnauthorized
		}

		if current.IsExpired(now) {
			expired = true
			return nil
		}

		return s.createTx(ctx, tx, next)
	})
	if err != nil {
		return err
	}

	if expired {
		return ErrUnauthorized
	}
	return nil
}

func (s *sqlRefreshSessions) Delete(ctx context.Context, accountID uuid.UUID, hash string) error {
	_, err := s.db.NewDelete().
		Model((*RefreshSession)(nil)).
		Where("account_id = ?", accountID).
		Where("token_hash = ?", hash).
		Exec(ctx)
	if err != nil {
		return internalError(err, "failed to delete refresh session")
	}
	return nil
}

func (s *sqlRefreshSessions) DeleteAll(ctx context.Context, accountID uuid.UUID) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*RefreshSession)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return 0, internalError(err, "failed to delete refresh sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlRefreshSessions) Count(ctx context.Context, accountID uuid.UUID) (int, error) {
	n, err := s.db.NewSelect().
		Model((*RefreshSession)(nil)).
		Where("account_id = ?", accountID).
		Count(ctx)
	if err != nil {
		return 0, internalError(err, "failed to count refresh sessions")
	}
	return n, nil
}
