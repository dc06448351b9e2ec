package identity

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the claims carried by access and admin tokens
type Claims struct {
	jwt.RegisteredClaims
	Email       string         `json:"email,omitempty"`
	UserRole    string         `json:"role,omitempty"`
	Authorities []string       `json:"auth,omitempty"`
	Admin       bool           `json:"adm,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"` // extension payload
}

// SubjectID returns the subject claim, the account id
func (c *Claims) SubjectID() string {
	return c.RegisteredClaims.Subject
}

// AccountID parses the subject as an account id
func (c *Claims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.RegisteredClaims.Subject)
}

// HasScope reports whether the token was minted with scope
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Expires returns the expiration time
func (c *Claims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// Issued returns the issued at time
func (c *Claims) Issued() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
}
