package identity

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// NewAccount holds the attributes of a signup
type NewAccount struct {
	Email    string
	Password string
	Role     UserRole
	Profile  Profile
	Metadata map[string]any
}

// CredentialStoreOption customizes a CredentialStore
type CredentialStoreOption func(*CredentialStore)

// WithPasswordHasher overrides the bcrypt hasher
func WithPasswordHasher(hasher PasswordHasher) CredentialStoreOption {
	return func(s *CredentialStore) {
		if hasher != nil {
			s.hasher = hasher
		}
	}
}

// WithCredentialStoreLogger overrides the logger
func WithCredentialStoreLogger(logger Logger) CredentialStoreOption {
	return func(s *CredentialStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCredentialStoreClock injects a custom clock (useful for tests).
func WithCredentialStoreClock(clock func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithCredentialStoreActivitySink sets the sink for account events
func WithCredentialStoreActivitySink(sink ActivitySink) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.activity = normalizeActivitySink(sink)
	}
}

// WithHashidIDs derives account ids from the email address. An email can
// then never be signed up again after its account is deleted.
func WithHashidIDs() CredentialStoreOption {
	return func(s *CredentialStore) {
		s.useHashid = true
	}
}

// CredentialStore creates accounts and owns their password hashes
type CredentialStore struct {
	repo      RepositoryManager
	hasher    PasswordHasher
	activity  ActivitySink
	logger    Logger
	now       func() time.Time
	useHashid bool
}

// NewCredentialStore returns a store over repo
func NewCredentialStore(repo RepositoryManager, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		repo:     repo,
		hasher:   NewBcryptHasher(0),
		activity: noopActivitySink{},
		logger:   defLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateAccount stores a new UNVERIFIED account. It fails with
// ErrAlreadyExists when the email is held by a non deleted account.
func (s *CredentialStore) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	email := strings.TrimSpace(in.Email)

	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account := &Account{
		Email:        email,
		PasswordHash: hash,
		Status:       AccountStatusUnverified,
		Role:         in.Role,
		Profile:      in.Profile,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if s.useHashid {
		if id, err := hashid.NewUUID(email); err == nil {
			account.ID = id
		}
	}

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := s.repo.Accounts().FindByEmailTx(ctx, tx, email)
		if err == nil {
			return ErrAlreadyExists
		}
		if !isNotFound(err) {
			return err
		}

		account, err = s.repo.Accounts().InsertTx(ctx, tx, account)
		return err
	})
	if err != nil {
		return nil, internalError(err, "account creation failed")
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType: ActivityEventAccountCreated,
		Actor:     AccountActor(account),
		AccountID: account.ID.String(),
		ToStatus:  account.Status,
	})

	return account, nil
}

// FindByEmail returns the non deleted account bound to email, optionally
// restricted to statuses.
func (s *CredentialStore) FindByEmail(ctx context.Context, email string, statuses ...AccountStatus) (*Account, error) {
	return s.FindByEmailTx(ctx, s.repo.DB(), email, statuses...)
}

// FindByEmailTx is FindByEmail within tx
func (s *CredentialStore) FindByEmailTx(ctx context.Context, tx bun.IDB, email string, statuses ...AccountStatus) (*Account, error) {
	account, err := s.repo.Accounts().FindByEmailTx(ctx, tx, email, statuses...)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return account, nil
}

// FindByID returns the non deleted account with id
func (s *CredentialStore) FindByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.FindByIDTx(ctx, s.repo.DB(), id)
}

// FindByIDTx is FindByID within tx
func (s *CredentialStore) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	account, err := s.repo.Accounts().FindByIDTx(ctx, tx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if account.Status == AccountStatusDeleted {
		return nil, ErrNotFound
	}
	return account, nil
}

// FindByIDs returns the non deleted accounts among ids. Unknown ids are skipped.
func (s *CredentialStore) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*Account, error) {
	if len(ids) == 0 {
		return []*Account{}, nil
	}
	return s.repo.Accounts().Search(ctx, ListFilter{IDs: ids})
}

// List returns non deleted accounts matching filter
func (s *CredentialStore) List(ctx context.Context, filter ListFilter) ([]*Account, error) {
	return s.repo.Accounts().Search(ctx, filter)
}

// Matches reports whether raw matches hash
func (s *CredentialStore) Matches(raw, hash string) bool {
	return s.hasher.ComparePasswordAndHash(raw, hash) == nil
}

// HashPassword hashes raw with the configured hasher
func (s *CredentialStore) HashPassword(raw string) (string, error) {
	return s.hasher.HashPassword(raw)
}

// SetPassword replaces the password hash of account
func (s *CredentialStore) SetPassword(ctx context.Context, account *Account, raw string) error {
	hash, err := s.hasher.HashPassword(raw)
	if err != nil {
		return err
	}
	return s.SetPasswordHashTx(ctx, s.repo.DB(), account, hash)
}

// SetPasswordHashTx stores an already computed hash within tx. Hash outside
// the transaction, bcrypt is slow.
func (s *CredentialStore) SetPasswordHashTx(ctx context.Context, tx bun.IDB, account *Account, hash string) error {
	now := s.now()
	if err := s.repo.Accounts().SetPasswordHashTx(ctx, tx, account.ID, hash, now); err != nil {
		return err
	}
	account.PasswordHash = hash
	account.UpdatedAt = now
	return nil
}

// ChangePassword replaces the password of an account after checking the
// current one.
func (s *CredentialStore) ChangePassword(ctx context.Context, id uuid.UUID, current, updated string) error {
	account, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.hasher.ComparePasswordAndHash(current, account.PasswordHash); err != nil {
		return err
	}

	if err := s.SetPassword(ctx, account, updated); err != nil {
		return err
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		Actor:     AccountActor(account),
		AccountID: account.ID.String(),
	})
	return nil
}

// TouchLastActive records activity for the account
func (s *CredentialStore) TouchLastActive(ctx context.Context, account *Account) error {
	now := s.now()
	if err := s.repo.Accounts().TouchLastActive(ctx, account.ID, now); err != nil {
		return err
	}
	account.LastActiveAt = &now
	return nil
}

func parseAccountID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}
