package identity

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// ErrInvalidTransition is returned when a requested status change is not
// allowed, or when the stored status changed underneath the caller.
var ErrInvalidTransition = goerrors.New("invalid account state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrTerminalState is returned when attempting to move away from DELETED.
var ErrTerminalState = goerrors.New("account state is terminal", goerrors.CategoryConflict).
	WithTextCode(TextCodeTerminalState).
	WithCode(goerrors.CodeConflict)

const (
	ActorTypeSystem  = "system"
	ActorTypeAccount = "account"
	ActorTypeAdmin   = "admin"
)

// ActorRef identifies who/what triggered a transition.
type ActorRef struct {
	ID   string
	Type string
}

// AccountActor is the actor for self service actions
func AccountActor(a *Account) ActorRef {
	if a == nil {
		return ActorRef{Type: ActorTypeSystem}
	}
	return ActorRef{ID: a.ID.String(), Type: ActorTypeAccount}
}

// PrincipalActor is the actor for requests made by an authenticated principal
func PrincipalActor(p Principal) ActorRef {
	if p == nil {
		return ActorRef{Type: ActorTypeSystem}
	}
	if p.IsAdmin() && p.HasScope(ScopeAdmin) {
		return ActorRef{ID: p.SubjectID(), Type: ActorTypeAdmin}
	}
	return ActorRef{ID: p.SubjectID(), Type: ActorTypeAccount}
}

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Account *Account
	From    AccountStatus
	To      AccountStatus
	Meta    TransitionMetadata
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after persistence.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// AccountStateMachine owns the account status graph:
//
//	UNVERIFIED -> ACTIVE   (verification confirmed)
//	ACTIVE     -> INACTIVE (deactivate)
//	INACTIVE   -> ACTIVE   (activate, or any successful login)
//	any        -> DELETED  (terminal)
type AccountStateMachine interface {
	Transition(ctx context.Context, actor ActorRef, account *Account, target AccountStatus, opts ...TransitionOption) (*Account, error)
	CurrentStatus(account *Account) AccountStatus
	// CanLogin gates session issuance on the account status
	CanLogin(account *Account) error
}

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*accountStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *accountStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *accountStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineHookErrorHandler overrides how hook failures are propagated.
func WithStateMachineHookErrorHandler(handler HookErrorHandler) StateMachineOption {
	return func(sm *accountStateMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *accountStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithForceTransition bypasses graph validation. The write is still
// compare-and-set on the current status.
func WithForceTransition() TransitionOption {
	return func(opts *transitionOptions) {
		opts.force = true
	}
}

// WithTransitionTx persists the status change through tx. Pair it with
// WithDeferredActivity so the activity event waits for the commit.
func WithTransitionTx(tx bun.IDB) TransitionOption {
	return func(opts *transitionOptions) {
		opts.tx = tx
	}
}

// WithDeferredActivity buffers the activity event in pending instead of
// recording it right away.
func WithDeferredActivity(pending *PendingActivity) TransitionOption {
	return func(opts *transitionOptions) {
		opts.pending = pending
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// NewAccountStateMachine returns the default implementation backed by the
// accounts repository.
func NewAccountStateMachine(accounts Accounts, db bun.IDB, opts ...StateMachineOption) AccountStateMachine {
	sm := &accountStateMachine{
		accounts: accounts,
		db:       db,
		transitions: map[AccountStatus]map[AccountStatus]struct{}{
			AccountStatusUnverified: {
				AccountStatusActive:  {},
				AccountStatusDeleted: {},
			},
			AccountStatusActive: {
				AccountStatusInactive: {},
				AccountStatusDeleted:  {},
			},
			AccountStatusInactive: {
				AccountStatusActive:  {},
				AccountStatusDeleted: {},
			},
		},
		now:              func() time.Time { return time.Now().UTC() },
		activitySink:     noopActivitySink{},
		logger:           defLogger(),
		hookErrorHandler: defaultHookErrorHandler,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type accountStateMachine struct {
	accounts         Accounts
	db               bun.IDB
	transitions      map[AccountStatus]map[AccountStatus]struct{}
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler HookErrorHandler
}

type transitionOptions struct {
	metadata    TransitionMetadata
	force       bool
	tx          bun.IDB
	pending     *PendingActivity
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

func (o *transitionOptions) cloneMetadata() TransitionMetadata {
	var cloned map[string]any
	if len(o.metadata.Metadata) > 0 {
		cloned = make(map[string]any, len(o.metadata.Metadata))
		for k, v := range o.metadata.Metadata {
			cloned[k] = v
		}
	}

	return TransitionMetadata{
		Reason:   o.metadata.Reason,
		Metadata: cloned,
	}
}

func (sm *accountStateMachine) Transition(ctx context.Context, actor ActorRef, account *Account, target AccountStatus, opts ...TransitionOption) (*Account, error) {
	if account == nil || !target.IsValid() {
		return nil, ErrInvalidTransition
	}

	account.EnsureStatus()
	from := account.Status

	if from == target {
		return account, nil
	}

	options := sm.buildTransitionOptions(opts...)

	if from == AccountStatusDeleted {
		return nil, ErrTerminalState
	}

	if !options.force && !sm.canTransition(from, target) {
		return nil, ErrInvalidTransition
	}

	tc := TransitionContext{
		Actor:   actor,
		Account: account,
		From:    from,
		To:      target,
		Meta:    options.cloneMetadata(),
	}

	if err := sm.runHooks(ctx, options.beforeHooks, tc, HookPhaseBefore); err != nil {
		return nil, err
	}

	tx := options.tx
	if tx == nil {
		tx = sm.db
	}

	now := sm.now()
	if err := sm.accounts.SetStatusTx(ctx, tx, account.ID, from, target, now); err != nil {
		return nil, err
	}

	account.Status = target
	account.UpdatedAt = now
	if target == AccountStatusDeleted {
		account.DeletedAt = &now
	}

	if err := sm.runHooks(ctx, options.afterHooks, tc, HookPhaseAfter); err != nil {
		return nil, err
	}

	event := ActivityEvent{
		EventType:  ActivityEventAccountStatusChanged,
		Actor:      actor,
		AccountID:  account.ID.String(),
		FromStatus: from,
		ToStatus:   target,
		Metadata:   transitionMetadata(tc.Meta),
		OccurredAt: now,
	}
	if options.pending != nil {
		options.pending.add(sm.activitySink, sm.logger, event)
	} else {
		recordActivity(ctx, sm.activitySink, sm.logger, event)
	}

	return account, nil
}

func (sm *accountStateMachine) CurrentStatus(account *Account) AccountStatus {
	if account == nil {
		return ""
	}
	account.EnsureStatus()
	return account.Status
}

func (sm *accountStateMachine) CanLogin(account *Account) error {
	switch sm.CurrentStatus(account) {
	case AccountStatusActive, AccountStatusInactive:
		return nil
	case AccountStatusUnverified:
		return ErrNotVerified
	default:
		return ErrNotFound
	}
}

func (sm *accountStateMachine) runHooks(ctx context.Context, hooks []TransitionHook, data TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, data); err != nil {
			if sm.hookErrorHandler == nil {
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, data)
		}
	}
	return nil
}

func (sm *accountStateMachine) canTransition(from, to AccountStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *accountStateMachine) buildTransitionOptions(opts ...TransitionOption) *transitionOptions {
	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

func defaultHookErrorHandler(_ context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, fmt.Sprintf("%s hook failed", phase)).
		WithMetadata(map[string]any{
			"account_id": tc.Account.ID.String(),
			"from":       string(tc.From),
			"to":         string(tc.To),
			"reason":     tc.Meta.Reason,
		})
}

func transitionMetadata(meta TransitionMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}

	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
