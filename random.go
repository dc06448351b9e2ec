package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	// opaqueTokenBytes is the entropy of verification and refresh tokens
	opaqueTokenBytes = 32
	resetCodeMin     = 100000
	resetCodeMax     = 999999
)

// NewOpaqueToken returns a URL safe random string
func NewOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", internalError(err, "failed to read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewResetCode returns a six digit code drawn uniformly from [100000, 999999]
func NewResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(resetCodeMax-resetCodeMin+1))
	if err != nil {
		return "", internalError(err, "failed to generate reset code")
	}
	return fmt.Sprintf("%06d", n.Int64()+resetCodeMin), nil
}

// HashToken returns the digest stored in place of a raw opaque token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
