package identity

import (
	"context"

	"github.com/google/uuid"
)

// AccountLifecycle runs explicit status changes requested by an
// authenticated actor.
type AccountLifecycle struct {
	credentials  *CredentialStore
	stateMachine AccountStateMachine
	sessions     RefreshSessionStore
	logger       Logger
}

// NewAccountLifecycle returns an AccountLifecycle. sessions may be nil, in
// which case deleting an account leaves its refresh sessions to expire.
func NewAccountLifecycle(credentials *CredentialStore, stateMachine AccountStateMachine, sessions RefreshSessionStore, logger Logger) *AccountLifecycle {
	return &AccountLifecycle{
		credentials:  credentials,
		stateMachine: stateMachine,
		sessions:     sessions,
		logger:       normalizeLogger(logger),
	}
}

// Deactivate moves an ACTIVE account to INACTIVE
func (l *AccountLifecycle) Deactivate(ctx context.Context, actor ActorRef, accountID uuid.UUID, opts ...TransitionOption) (*Account, error) {
	return l.transition(ctx, actor, accountID, AccountStatusInactive, "deactivate", opts)
}

// Activate moves an INACTIVE account back to ACTIVE
func (l *AccountLifecycle) Activate(ctx context.Context, actor ActorRef, accountID uuid.UUID, opts ...TransitionOption) (*Account, error) {
	return l.transition(ctx, actor, accountID, AccountStatusActive, "activate", opts)
}

// Delete soft deletes the account and drops its refresh sessions
func (l *AccountLifecycle) Delete(ctx context.Context, actor ActorRef, accountID uuid.UUID, opts ...TransitionOption) (*Account, error) {
	account, err := l.transition(ctx, actor, accountID, AccountStatusDeleted, "delete", opts)
	if err != nil {
		return nil, err
	}

	if l.sessions != nil {
		if _, err := l.sessions.DeleteAll(context.WithoutCancel(ctx), account.ID); err != nil {
			l.logger.Warn("failed to drop refresh sessions of deleted account", "account_id", account.ID.String(), "error", err)
		}
	}
	return account, nil
}

func (l *AccountLifecycle) transition(ctx context.Context, actor ActorRef, accountID uuid.UUID, target AccountStatus, reason string, opts []TransitionOption) (*Account, error) {
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := l.credentials.FindByID(wctx, accountID)
	if err != nil {
		return nil, err
	}

	opts = append([]TransitionOption{WithTransitionReason(reason)}, opts...)
	return l.stateMachine.Transition(wctx, actor, account, target, opts...)
}
