package identity

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeAccountExists       = "ACCOUNT_ALREADY_EXISTS"
	TextCodeNotFound            = "NOT_FOUND"
	TextCodeNotVerified         = "ACCOUNT_NOT_VERIFIED"
	TextCodeBadPassword         = "INVALID_CREDENTIALS"
	TextCodeInvalidOrExpired    = "TOKEN_INVALID_OR_EXPIRED"
	TextCodeUnauthorized        = "UNAUTHORIZED"
	TextCodeForbidden           = "FORBIDDEN"
	TextCodeDeliveryFailed      = "DELIVERY_FAILED"
	TextCodeTokenExpired        = "TOKEN_EXPIRED"
	TextCodeTokenMalformed      = "TOKEN_MALFORMED"
	TextCodeEmptyPassword       = "EMPTY_PASSWORD"
	TextCodeInvalidTransition   = "INVALID_ACCOUNT_STATE_TRANSITION"
	TextCodeTerminalState       = "TERMINAL_ACCOUNT_STATE"
	textCodeConcurrentIssuance  = "CONCURRENT_TOKEN_ISSUANCE"
	textCodeMissingConfigSecret = "MISSING_SIGNING_KEY"
)

// ErrAlreadyExists is returned when the email is bound to a non deleted account.
var ErrAlreadyExists = goerrors.New("an account with this email already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeAccountExists).
	WithCode(goerrors.CodeConflict)

// ErrNotFound is returned when an account cannot be found or is not in an
// eligible status for the operation.
var ErrNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrNotVerified is returned on login for accounts that never confirmed their email.
var ErrNotVerified = goerrors.New("account email has not been verified", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotVerified).
	WithCode(goerrors.CodeForbidden)

// ErrBadPassword is returned when a password does not match.
var ErrBadPassword = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeBadPassword).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidOrExpired covers every failed token confirmation: unknown,
// consumed, expired or owned by an ineligible account.
var ErrInvalidOrExpired = goerrors.New("token is invalid or expired", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidOrExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrUnauthorized is returned when a request carries no usable credentials.
var ErrUnauthorized = goerrors.New("unauthorized", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

// ErrForbidden is returned when the principal lacks a required authority.
var ErrForbidden = goerrors.New("forbidden", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

// ErrDeliveryFailed wraps notifier failures. It is logged, never returned
// from token issuance.
var ErrDeliveryFailed = goerrors.New("notification delivery failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeDeliveryFailed).
	WithCode(goerrors.CodeInternal)

// ErrTokenExpired is returned by TokenService.Validate for expired tokens.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenMalformed is returned by TokenService.Validate for tokens that fail
// to parse or verify.
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoEmptyString is returned when hashing an empty password.
var ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithTextCode(TextCodeEmptyPassword).
	WithCode(goerrors.CodeBadRequest)

var errConcurrentIssuance = goerrors.New("token issuance raced with another request", goerrors.CategoryConflict).
	WithTextCode(textCodeConcurrentIssuance).
	WithCode(goerrors.CodeConflict)

var errMissingSigningKey = goerrors.New("signing key must be configured", goerrors.CategoryBadInput).
	WithTextCode(textCodeMissingConfigSecret)

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for malformed tokens
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed")
}

// internalError wraps infrastructure failures, passing rich errors through
// untouched so sentinels keep their identity.
func internalError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithCode(goerrors.CodeInternal)
}

// isUniqueViolation reports whether err comes from a unique index, for both
// the postgres and sqlite drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
