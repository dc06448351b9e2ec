package jwtware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	identity "github.com/goliatone/go-identity"
)

var (
	defaultTokenLookup       = "header:" + fiber.HeaderAuthorization
	ErrJWTMissingOrMalformed = errors.New("missing or malformed JWT")
)

// PrincipalResolver turns a raw bearer token into a principal.
// *identity.Resolver satisfies it.
type PrincipalResolver interface {
	Resolve(ctx context.Context, raw string) (identity.Principal, error)
}

// ValidationListener is invoked after the principal is resolved and before
// the request proceeds.
type ValidationListener func(c *fiber.Ctx, p identity.Principal) error

type Config struct {
	Filter         func(*fiber.Ctx) bool
	SuccessHandler fiber.Handler
	ErrorHandler   fiber.ErrorHandler
	// Resolver is required
	Resolver    PrincipalResolver
	ContextKey  string
	TokenLookup string
	AuthScheme  string

	// ValidationListeners run in order, the first error aborts the request
	ValidationListeners []ValidationListener
}

// New returns the fiber middleware that authenticates the request and stores
// the principal in Locals under ContextKey and in the user context.
func New(config ...Config) fiber.Handler {
	cfg := GetDefaultConfig(config...)
	extractors := cfg.getExtractors()

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		raw, err := ExtractRawToken(c, extractors)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		principal, err := cfg.Resolver.Resolve(c.UserContext(), raw)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		for _, listener := range cfg.ValidationListeners {
			if listener == nil {
				continue
			}
			if err := listener(c, principal); err != nil {
				return cfg.ErrorHandler(c, err)
			}
		}

		c.Locals(cfg.ContextKey, principal)
		c.SetUserContext(identity.WithPrincipal(c.UserContext(), principal))

		return cfg.SuccessHandler(c)
	}
}

// RequireAdmin rejects requests whose principal is not an admin holding an
// admin scoped token. It must run after New.
func RequireAdmin(errorHandler ...fiber.ErrorHandler) fiber.Handler {
	handler := defaultErrorHandler
	if len(errorHandler) > 0 && errorHandler[0] != nil {
		handler = errorHandler[0]
	}
	return func(c *fiber.Ctx) error {
		if _, err := identity.RequireAdmin(c.UserContext()); err != nil {
			return handler(c, err)
		}
		return c.Next()
	}
}

// Principal returns the principal stored by New
func Principal(c *fiber.Ctx) (identity.Principal, bool) {
	return identity.PrincipalFromContext(c.UserContext())
}

func ExtractRawToken(c *fiber.Ctx, extractors []JWTExtractor) (string, error) {
	var raw string
	err := ErrJWTMissingOrMalformed

	for _, extractor := range extractors {
		raw, err = extractor(c)
		if raw != "" && err == nil {
			break
		}
	}

	return raw, err
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.Resolver == nil {
		panic("IDENTITY: JWT middleware configuration: Resolver is required.")
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "user"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	return cfg
}

func defaultErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusUnauthorized
	message := "invalid or expired token"

	switch {
	case errors.Is(err, ErrJWTMissingOrMalformed):
		message = ErrJWTMissingOrMalformed.Error()
	case errors.Is(err, identity.ErrForbidden):
		status = fiber.StatusForbidden
		message = "forbidden"
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"message": message},
	})
}

func (cfg *Config) getExtractors() []JWTExtractor {
	return GetExtractors(cfg.TokenLookup, cfg.AuthScheme)
}

// GetExtractors parses a lookup such as
// "header:Authorization,cookie:jwt,query:auth_token"
func GetExtractors(tokenLookup string, authSchemes ...string) []JWTExtractor {
	extractors := make([]JWTExtractor, 0)

	authScheme := "Bearer"
	if len(authSchemes) > 0 {
		authScheme = strings.TrimSpace(authSchemes[0])
	}

	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.Split(strings.TrimSpace(rootPart), ":")
		if len(parts) != 2 {
			continue
		}
		for i, el := range parts {
			parts[i] = strings.TrimSpace(el)
		}

		switch parts[0] {
		case "header":
			extractors = append(extractors, jwtFromHeader(parts[1], authScheme))
		case "query":
			extractors = append(extractors, jwtFromQuery(parts[1]))
		case "param":
			extractors = append(extractors, jwtFromParam(parts[1]))
		case "cookie":
			extractors = append(extractors, jwtFromCookie(parts[1]))
		}
	}

	return extractors
}

type JWTExtractor func(c *fiber.Ctx) (string, error)

func jwtFromHeader(header string, authScheme string) JWTExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token, err := identity.BearerToken(c.Get(header), authScheme)
		if err != nil {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}

func jwtFromQuery(param string) JWTExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Query(param)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}

func jwtFromParam(param string) JWTExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Params(param)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}

func jwtFromCookie(name string) JWTExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}
