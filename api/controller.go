// Package api exposes the account lifecycle over HTTP with fiber.
package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/middleware/jwtware"
)

// Services groups the domain collaborators the controller calls
type Services struct {
	Credentials  *identity.CredentialStore
	Verification *identity.VerificationManager
	Reset        *identity.PasswordResetManager
	Sessions     *identity.SessionManager
	Lifecycle    *identity.AccountLifecycle
	Resolver     jwtware.PrincipalResolver
}

// Routes holds the route paths, relative to Prefix
type Routes struct {
	Prefix                  string
	Signup                  string
	Login                   string
	Confirmation            string
	ResendVerification      string
	RefreshToken            string
	Logout                  string
	Me                      string
	UsersByIDs              string
	UserByID                string
	UserByEmail             string
	All                     string
	AllExceptOne            string
	AdminUsers              string
	UpdatePassword          string
	ForgotPassword          string
	UpdateForgottenPassword string
	Deactivate              string
	Activate                string
}

func defaultRoutes() Routes {
	return Routes{
		Prefix:                  "/api/users",
		Signup:                  "/signup",
		Login:                   "/login",
		Confirmation:            "/confirmation",
		ResendVerification:      "/resendVerificationToken",
		RefreshToken:            "/refreshToken",
		Logout:                  "/logout",
		Me:                      "/me",
		UsersByIDs:              "/usersByIds",
		UserByID:                "/userById/:id",
		UserByEmail:             "/userByEmail/:email",
		All:                     "/all",
		AllExceptOne:            "/all-except-one/:id",
		AdminUsers:              "/admin-users",
		UpdatePassword:          "/updatePassword",
		ForgotPassword:          "/forgotPassword",
		UpdateForgottenPassword: "/updateForgottenPassword",
		Deactivate:              "/deactivate",
		Activate:                "/activate",
	}
}

// ControllerOption customizes a Controller
type ControllerOption func(*Controller)

// WithLogger overrides the logger
func WithLogger(logger identity.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRoutes overrides route paths. Empty fields keep their default.
func WithRoutes(fn func(*Routes)) ControllerOption {
	return func(c *Controller) {
		if fn != nil {
			fn(&c.routes)
		}
	}
}

// Controller serves the account endpoints
type Controller struct {
	svc    Services
	routes Routes
	logger identity.Logger
}

// NewController returns a Controller backed by svc
func NewController(svc Services, opts ...ControllerOption) *Controller {
	c := &Controller{
		svc:    svc,
		routes: defaultRoutes(),
		logger: identity.NewSlogLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Register mounts the routes on router
func (c *Controller) Register(router fiber.Router) {
	r := c.routes
	g := router.Group(r.Prefix)

	g.Post(r.Signup, c.Signup).Name("users.signup")
	g.Post(r.Login, c.Login).Name("users.login")
	g.Get(r.Confirmation, c.Confirm).Name("users.confirmation")
	g.Post(r.ResendVerification, c.ResendVerification).Name("users.resend-verification")
	g.Post(r.RefreshToken, c.Refresh).Name("users.refresh-token")
	g.Post(r.ForgotPassword, c.ForgotPassword).Name("users.forgot-password")
	g.Post(r.UpdateForgottenPassword, c.UpdateForgottenPassword).Name("users.update-forgotten-password")

	auth := jwtware.New(jwtware.Config{
		Resolver:     c.svc.Resolver,
		ErrorHandler: c.writeError,
	})
	admin := jwtware.RequireAdmin(c.writeError)

	g.Post(r.Logout, auth, c.Logout).Name("users.logout")
	g.Get(r.Me, auth, c.Me).Name("users.me")
	g.Delete(r.Me, auth, c.DeleteMe).Name("users.me.delete")
	g.Post(r.UsersByIDs, auth, c.UsersByIDs).Name("users.by-ids")
	g.Get(r.UserByID, auth, c.UserByID).Name("users.by-id")
	g.Get(r.UserByEmail, auth, c.UserByEmail).Name("users.by-email")
	g.Put(r.UpdatePassword, auth, c.UpdatePassword).Name("users.update-password")
	g.Post(r.Deactivate, auth, c.Deactivate).Name("users.deactivate")
	g.Post(r.Activate, auth, c.Activate).Name("users.activate")

	g.Get(r.All, auth, admin, c.All).Name("users.all")
	g.Get(r.AllExceptOne, auth, admin, c.AllExceptOne).Name("users.all-except-one")
	g.Get(r.AdminUsers, auth, admin, c.AdminUsers).Name("users.admin-users")
}

// Signup creates an UNVERIFIED account and sends its verification link
func (c *Controller) Signup(ctx *fiber.Ctx) error {
	payload := new(SignupPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	account, err := c.svc.Credentials.CreateAccount(ctx.UserContext(), payload.NewAccount())
	if err != nil {
		return c.writeError(ctx, err)
	}

	// the account stands even if issuance fails, resend recovers it
	if _, err := c.svc.Verification.Issue(ctx.UserContext(), account); err != nil {
		c.logger.Error("failed to issue verification token", "account_id", account.ID.String(), "error", err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(account)
}

func (c *Controller) Login(ctx *fiber.Ctx) error {
	payload := new(LoginPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	result, err := c.svc.Sessions.Login(ctx.UserContext(), payload.Email, payload.Password)
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(result)
}

func (c *Controller) Confirm(ctx *fiber.Ctx) error {
	token := ctx.Query("token")
	if token == "" {
		return c.writeError(ctx, identity.ErrInvalidOrExpired)
	}

	if err := c.svc.Verification.Confirm(ctx.UserContext(), token); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "account verified"})
}

// ResendVerification accepts {"email": ...} or the bare email as the body
func (c *Controller) ResendVerification(ctx *fiber.Ctx) error {
	payload := EmailPayload{}
	if !strings.Contains(ctx.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		payload.Email = strings.Trim(strings.TrimSpace(string(ctx.Body())), `"`)
	} else if err := ctx.BodyParser(&payload); err != nil {
		return c.writeError(ctx, errBadPayload)
	}

	if err := payload.Validate(); err != nil {
		return c.writeError(ctx, err)
	}

	if _, err := c.svc.Verification.Resend(ctx.UserContext(), payload.Email); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "verification token sent"})
}

func (c *Controller) Refresh(ctx *fiber.Ctx) error {
	payload := new(RefreshPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	pair, err := c.svc.Sessions.Refresh(ctx.UserContext(), payload.UserID, payload.RefreshToken)
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(pair)
}

func (c *Controller) Logout(ctx *fiber.Ctx) error {
	p, err := identity.RequirePrincipal(ctx.UserContext())
	if err != nil {
		return c.writeError(ctx, err)
	}

	payload := new(LogoutPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	if payload.All {
		n, err := c.svc.Sessions.LogoutAll(ctx.UserContext(), p.SubjectID())
		if err != nil {
			return c.writeError(ctx, err)
		}
		return ctx.JSON(fiber.Map{"message": "logged out", "sessions": n})
	}

	if err := c.svc.Sessions.Logout(ctx.UserContext(), p.SubjectID(), payload.RefreshToken); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "logged out"})
}

// Me returns the caller's account and records the activity
func (c *Controller) Me(ctx *fiber.Ctx) error {
	account, err := c.currentAccount(ctx)
	if err != nil {
		return c.writeError(ctx, err)
	}

	if err := c.svc.Credentials.TouchLastActive(ctx.UserContext(), account); err != nil {
		c.logger.Warn("failed to track last activity", "account_id", account.ID.String(), "error", err)
	}
	return ctx.JSON(account)
}

func (c *Controller) DeleteMe(ctx *fiber.Ctx) error {
	return c.selfTransition(ctx, c.svc.Lifecycle.Delete, nil)
}

func (c *Controller) Deactivate(ctx *fiber.Ctx) error {
	payload := DeactivatePayload{}
	if len(ctx.Body()) > 0 {
		if err := c.bind(ctx, &payload); err != nil {
			return c.writeError(ctx, err)
		}
	}

	var meta map[string]any
	if payload.Reason != "" {
		meta = map[string]any{"reason": payload.Reason}
	}
	return c.selfTransition(ctx, c.svc.Lifecycle.Deactivate, meta)
}

func (c *Controller) Activate(ctx *fiber.Ctx) error {
	return c.selfTransition(ctx, c.svc.Lifecycle.Activate, nil)
}

// UsersByIDs accepts a JSON array of ids. Unknown or malformed ids are skipped.
func (c *Controller) UsersByIDs(ctx *fiber.Ctx) error {
	var raw []string
	if err := ctx.BodyParser(&raw); err != nil {
		return c.writeError(ctx, errBadPayload)
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		if id, err := uuid.Parse(r); err == nil {
			ids = append(ids, id)
		}
	}

	accounts, err := c.svc.Credentials.FindByIDs(ctx.UserContext(), ids)
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(accounts)
}

func (c *Controller) UserByID(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return c.writeError(ctx, identity.ErrNotFound)
	}

	account, err := c.svc.Credentials.FindByID(ctx.UserContext(), id)
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(account)
}

func (c *Controller) UserByEmail(ctx *fiber.Ctx) error {
	account, err := c.svc.Credentials.FindByEmail(ctx.UserContext(), ctx.Params("email"))
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(account)
}

func (c *Controller) All(ctx *fiber.Ctx) error {
	return c.list(ctx, identity.ListFilter{})
}

func (c *Controller) AllExceptOne(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return c.writeError(ctx, identity.ErrNotFound)
	}
	return c.list(ctx, identity.ListFilter{ExcludeID: id})
}

func (c *Controller) AdminUsers(ctx *fiber.Ctx) error {
	return c.list(ctx, identity.ListFilter{AdminsOnly: true})
}

func (c *Controller) UpdatePassword(ctx *fiber.Ctx) error {
	p, err := identity.RequirePrincipal(ctx.UserContext())
	if err != nil {
		return c.writeError(ctx, err)
	}

	payload := new(UpdatePasswordPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	id, err := uuid.Parse(p.SubjectID())
	if err != nil {
		return c.writeError(ctx, identity.ErrUnauthorized)
	}

	if err := c.svc.Credentials.ChangePassword(ctx.UserContext(), id, payload.CurrentPassword, payload.UpdatedPassword); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "password updated"})
}

// ForgotPassword takes the email from the query string or a JSON body
func (c *Controller) ForgotPassword(ctx *fiber.Ctx) error {
	payload := EmailPayload{Email: ctx.Query("email")}
	if payload.Email == "" && len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&payload); err != nil {
			return c.writeError(ctx, errBadPayload)
		}
	}

	if err := payload.Validate(); err != nil {
		return c.writeError(ctx, err)
	}

	if err := c.svc.Reset.Request(ctx.UserContext(), payload.Email); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "password reset code sent"})
}

func (c *Controller) UpdateForgottenPassword(ctx *fiber.Ctx) error {
	payload := new(ResetPasswordPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.writeError(ctx, err)
	}

	if err := c.svc.Reset.Confirm(ctx.UserContext(), payload.Email, payload.Token, payload.Password); err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(fiber.Map{"message": "password updated"})
}

type validatable interface {
	Validate() error
}

// bind parses and validates the body
func (c *Controller) bind(ctx *fiber.Ctx, payload validatable) error {
	if err := ctx.BodyParser(payload); err != nil {
		c.logger.Debug("failed to parse payload", "path", ctx.Path(), "error", err)
		return errBadPayload
	}
	return payload.Validate()
}

func (c *Controller) currentAccount(ctx *fiber.Ctx) (*identity.Account, error) {
	p, err := identity.RequirePrincipal(ctx.UserContext())
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.SubjectID())
	if err != nil {
		return nil, identity.ErrUnauthorized
	}
	return c.svc.Credentials.FindByID(ctx.UserContext(), id)
}

type transitionFunc func(ctx context.Context, actor identity.ActorRef, id uuid.UUID, opts ...identity.TransitionOption) (*identity.Account, error)

func (c *Controller) selfTransition(ctx *fiber.Ctx, fn transitionFunc, meta map[string]any) error {
	p, err := identity.RequirePrincipal(ctx.UserContext())
	if err != nil {
		return c.writeError(ctx, err)
	}
	id, err := uuid.Parse(p.SubjectID())
	if err != nil {
		return c.writeError(ctx, identity.ErrUnauthorized)
	}

	account, err := fn(ctx.UserContext(), identity.PrincipalActor(p), id, identity.WithTransitionMetadata(meta))
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(account)
}

func (c *Controller) list(ctx *fiber.Ctx, filter identity.ListFilter) error {
	filter.Limit = ctx.QueryInt("limit", 0)
	filter.Offset = ctx.QueryInt("offset", 0)

	accounts, err := c.svc.Credentials.List(ctx.UserContext(), filter)
	if err != nil {
		return c.writeError(ctx, err)
	}
	return ctx.JSON(accounts)
}
