package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountStatus is the lifecycle status of an account
type AccountStatus string

const (
	// AccountStatusUnverified is assigned on signup until the email is confirmed
	AccountStatusUnverified AccountStatus = "UNVERIFIED"
	// AccountStatusActive accounts can authenticate
	AccountStatusActive AccountStatus = "ACTIVE"
	// AccountStatusInactive accounts can authenticate and are reactivated on login
	AccountStatusInactive AccountStatus = "INACTIVE"
	// AccountStatusDeleted is terminal
	AccountStatusDeleted AccountStatus = "DELETED"
)

// IsValid reports whether s is one of the known statuses
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusUnverified, AccountStatusActive, AccountStatusInactive, AccountStatusDeleted:
		return true
	default:
		return false
	}
}

// CanAuthenticate reports whether credentials for an account in this status
// may be used to open a session.
func (s AccountStatus) CanAuthenticate() bool {
	return s == AccountStatusActive || s == AccountStatusInactive
}

func (s AccountStatus) String() string {
	return string(s)
}

// ParseAccountStatus parses a case insensitive status name
func ParseAccountStatus(raw string) (AccountStatus, bool) {
	s := AccountStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.IsValid()
}

// TokenStatus is the status of single use tokens
type TokenStatus string

const (
	TokenStatusActive   TokenStatus = "ACTIVE"
	TokenStatusInactive TokenStatus = "INACTIVE"
)

// Profile holds descriptive attributes. They are opaque to the lifecycle.
type Profile struct {
	FirstName   string     `bun:"first_name" json:"first_name,omitempty"`
	LastName    string     `bun:"last_name" json:"last_name,omitempty"`
	Phone       string     `bun:"phone_number" json:"phone_number,omitempty"`
	Address     string     `bun:"address" json:"address,omitempty"`
	Country     string     `bun:"country" json:"country,omitempty"`
	DateOfBirth *time.Time `bun:"date_of_birth,nullzero" json:"date_of_birth,omitempty"`
	PictureName string     `bun:"picture_name" json:"picture_name,omitempty"`
}

// Account is the account model
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`
	ID            uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	Email         string         `bun:"email,notnull" json:"email"`
	PasswordHash  string         `bun:"password_hash,notnull" json:"-"`
	Status        AccountStatus  `bun:"status,notnull" json:"status"`
	Role          UserRole       `bun:"user_role,notnull" json:"user_role"`
	Metadata      map[string]any `bun:"metadata" json:"metadata,omitempty"`
	LastActiveAt  *time.Time     `bun:"last_active_at,nullzero" json:"last_active_at,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull" json:"updated_at"`
	DeletedAt     *time.Time     `bun:"deleted_at,nullzero" json:"deleted_at,omitempty"`
	Profile
}

// IsAdmin reports whether the account holds an administrative role
func (a *Account) IsAdmin() bool {
	if a == nil {
		return false
	}
	return a.Role.IsAtLeast(RoleAdmin)
}

// EnsureStatus backfills missing or unknown statuses
func (a *Account) EnsureStatus() {
	if a == nil {
		return
	}
	if !a.Status.IsValid() {
		a.Status = AccountStatusUnverified
	}
}

// AddMetadata will append information to a metadata attribute
func (a *Account) AddMetadata(key string, val any) *Account {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata[key] = val
	return a
}

// VerificationToken proves control over an account's email address
type VerificationToken struct {
	bun.BaseModel `bun:"table:verification_tokens,alias:vt"`
	ID            uuid.UUID   `bun:"id,pk,type:uuid" json:"id"`
	AccountID     uuid.UUID   `bun:"account_id,notnull,type:uuid" json:"account_id"`
	TokenHash     string      `bun:"token_hash,notnull" json:"-"`
	Status        TokenStatus `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time   `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time   `bun:"expires_at,notnull" json:"expires_at"`
	ConsumedAt    *time.Time  `bun:"consumed_at,nullzero" json:"consumed_at,omitempty"`
}

// IsExpired reports whether t is past the token expiry. The expiry instant
// itself is still valid.
func (v *VerificationToken) IsExpired(t time.Time) bool {
	return t.After(v.ExpiresAt)
}

// PasswordResetToken is the six digit code used to reset a forgotten password
type PasswordResetToken struct {
	bun.BaseModel `bun:"table:password_reset_tokens,alias:prt"`
	ID            uuid.UUID   `bun:"id,pk,type:uuid" json:"id"`
	AccountID     uuid.UUID   `bun:"account_id,notnull,type:uuid" json:"account_id"`
	Code          string      `bun:"code,notnull" json:"-"`
	Status        TokenStatus `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time   `bun:"created_at,notnull" json:"created_at"`
	ConsumedAt    *time.Time  `bun:"consumed_at,nullzero" json:"consumed_at,omitempty"`
}

// RefreshSession is a single use credential exchanged for new tokens
type RefreshSession struct {
	bun.BaseModel `bun:"table:refresh_sessions,alias:rs"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	AccountID     uuid.UUID `bun:"account_id,notnull,type:uuid" json:"account_id"`
	TokenHash     string    `bun:"token_hash,notnull" json:"token_hash"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

// IsExpired reports whether t is past the session expiry. A zero expiry
// never expires.
func (r *RefreshSession) IsExpired(t time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return t.After(r.ExpiresAt)
}
