package identity

import (
	"context"
	"time"
)

// Config holds identity options
type Config interface {
	GetSigningKey() string
	GetSigningKeyID() string
	// GetPreviousSigningKeys returns retired keys indexed by kid. Tokens signed
	// with them still verify until they expire.
	GetPreviousSigningKeys() map[string]string
	GetIssuer() string
	GetAudience() []string
	GetAccessTokenTTL() time.Duration
	GetAdminTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetVerificationTokenTTL() time.Duration
	GetResetCodeTTL() time.Duration
	GetPasswordHashCost() int
	GetAppHost() string
}

// PasswordHasher hashes and compares account passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// MessageKind identifies the kind of outbound notification
type MessageKind string

const (
	MessageKindVerification  MessageKind = "account.verification"
	MessageKindPasswordReset MessageKind = "account.password_reset"
)

// Message is an outbound notification
type Message struct {
	Kind      MessageKind    `json:"kind"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	AccountID string         `json:"account_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers messages to account holders. Implementations should
// treat Send as fire-and-forget: there is no retry contract.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, msg Message) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, Message) error {
	return nil
}

// Principal is the authenticated subject of a request
type Principal interface {
	SubjectID() string
	Email() string
	Authorities() []string
	HasAuthority(authority string) bool
	IsAdmin() bool
	HasScope(scope string) bool
}
