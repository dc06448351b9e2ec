package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultAdminTokenTTL   = time.Hour
)

// TokenPair is the result of a refresh
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// LoginResult is the result of a successful login. Admin accounts also get
// an admin token carrying the admin scope.
type LoginResult struct {
	TokenPair
	AdminToken          string     `json:"admin_token,omitempty"`
	AdminTokenExpiresAt *time.Time `json:"admin_token_expires_at,omitempty"`
	Account             *Account   `json:"account"`
}

// SessionManagerOption customizes a SessionManager
type SessionManagerOption func(*SessionManager)

// WithRefreshTokenTTL sets the lifetime of refresh sessions
func WithRefreshTokenTTL(ttl time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithAdminTokenTTL sets the lifetime of admin tokens
func WithAdminTokenTTL(ttl time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.adminTTL = ttl
		}
	}
}

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithSessionLogger overrides the logger
func WithSessionLogger(logger Logger) SessionManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionActivitySink sets the sink for login events
func WithSessionActivitySink(sink ActivitySink) SessionManagerOption {
	return func(m *SessionManager) {
		m.activity = normalizeActivitySink(sink)
	}
}

// SessionManager authenticates credentials and manages refresh sessions
type SessionManager struct {
	repo         RepositoryManager
	credentials  *CredentialStore
	stateMachine AccountStateMachine
	tokens       TokenService
	activity     ActivitySink
	refreshTTL   time.Duration
	adminTTL     time.Duration
	now          func() time.Time
	logger       Logger
}

// NewSessionManager returns a manager wired to its collaborators
func NewSessionManager(repo RepositoryManager, credentials *CredentialStore, stateMachine AccountStateMachine, tokens TokenService, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		repo:         repo,
		credentials:  credentials,
		stateMachine: stateMachine,
		tokens:       tokens,
		activity:     noopActivitySink{},
		refreshTTL:   defaultRefreshTokenTTL,
		adminTTL:     defaultAdminTokenTTL,
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

// Login checks credentials and opens a session. UNVERIFIED accounts fail
// with ErrNotVerified and get no tokens. INACTIVE accounts are reactivated.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := m.credentials.FindByEmail(wctx, email,
		AccountStatusActive,
		AccountStatusInactive,
		AccountStatusUnverified,
	)
	if err != nil {
		return nil, err
	}

	if !m.credentials.Matches(password, account.PasswordHash) {
		m.record(ctx, ActivityEventLoginFailure, account, map[string]any{"reason": "bad_password"})
		return nil, ErrBadPassword
	}

	if err := m.stateMachine.CanLogin(account); err != nil {
		m.record(ctx, ActivityEventLoginFailure, account, map[string]any{"reason": string(account.Status)})
		return nil, err
	}

	if account.Status == AccountStatusInactive {
		_, err := m.stateMachine.Transition(wctx, AccountActor(account), account, AccountStatusActive,
			WithTransitionReason("login"),
		)
		if err != nil {
			return nil, err
		}
	}

	now := m.now()
	pair, err := m.openSession(wctx, account, now)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		TokenPair: *pair,
		Account:   account,
	}

	if account.IsAdmin() {
		token, exp, err := MintScopedToken(m.tokens, account, ScopedTokenOptions{
			TTL:      m.adminTTL,
			IssuedAt: now,
			Scopes:   []string{ScopeAdmin},
		})
		if err != nil {
			return nil, err
		}
		result.AdminToken = token
		result.AdminTokenExpiresAt = &exp
	}

	if err := m.credentials.TouchLastActive(wctx, account); err != nil {
		m.logger.Warn("failed to track last activity", "account_id", account.ID.String(), "error", err)
	}

	m.record(ctx, ActivityEventLoginSuccess, account, nil)

	return result, nil
}

// Refresh exchanges a refresh token for a new pair. The presented session is
// deleted and replaced atomically, so a refresh token works exactly once.
func (m *SessionManager) Refresh(ctx context.Context, accountID, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}

	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := m.credentials.FindByID(wctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	now := m.now()
	raw, next, err := m.newSession(account, now)
	if err != nil {
		return nil, err
	}

	if err := m.repo.RefreshSessions().Rotate(wctx, account.ID, HashToken(refreshToken), next, now); err != nil {
		return nil, internalError(err, "failed to rotate refresh session")
	}

	access, exp, err := MintScopedToken(m.tokens, account, ScopedTokenOptions{IssuedAt: now})
	if err != nil {
		return nil, err
	}

	m.record(ctx, ActivityEventSessionRefreshed, account, nil)

	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  exp,
		RefreshToken:          raw,
		RefreshTokenExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout deletes a single refresh session. Unknown sessions are ignored.
func (m *SessionManager) Logout(ctx context.Context, accountID, refreshToken string) error {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return ErrUnauthorized
	}
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return m.repo.RefreshSessions().Delete(wctx, id, HashToken(refreshToken))
}

// LogoutAll deletes every refresh session of the account
func (m *SessionManager) LogoutAll(ctx context.Context, accountID string) (int64, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return 0, ErrUnauthorized
	}
	wctx, cancel, err := writeContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return m.repo.RefreshSessions().DeleteAll(wctx, id)
}

func (m *SessionManager) openSession(ctx context.Context, account *Account, now time.Time) (*TokenPair, error) {
	raw, session, err := m.newSession(account, now)
	if err != nil {
		return nil, err
	}

	if err := m.repo.RefreshSessions().Create(ctx, session); err != nil {
		return nil, err
	}

	access, exp, err := MintScopedToken(m.tokens, account, ScopedTokenOptions{IssuedAt: now})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  exp,
		RefreshToken:          raw,
		RefreshTokenExpiresAt: session.ExpiresAt,
	}, nil
}

func (m *SessionManager) newSession(account *Account, now time.Time) (string, *RefreshSession, error) {
	raw, err := NewOpaqueToken()
	if err != nil {
		return "", nil, err
	}
	return raw, &RefreshSession{
		ID:        uuid.New(),
		AccountID: account.ID,
		TokenHash: HashToken(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(m.refreshTTL),
	}, nil
}

func (m *SessionManager) record(ctx context.Context, event ActivityEventType, account *Account, meta map[string]any) {
	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: event,
		Actor:     AccountActor(account),
		AccountID: account.ID.String(),
		Metadata:  meta,
	})
}
