package identity_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSigningKey = "test-signing-key-0123456789abcdef"
	testPassword   = "correct horse battery"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is its own database
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(context.Background(), "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	require.NoError(t, identity.Migrate(context.Background(), db))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturingNotifier struct {
	mu       sync.Mutex
	messages []identity.Message
	err      error
}

func (n *capturingNotifier) Send(ctx context.Context, msg identity.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return n.err
}

func (n *capturingNotifier) Messages() []identity.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]identity.Message(nil), n.messages...)
}

func (n *capturingNotifier) Last(t *testing.T) identity.Message {
	t.Helper()
	msgs := n.Messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

// LastOf returns the newest message of kind, ignoring deliveries of other
// kinds that may land out of order.
func (n *capturingNotifier) LastOf(t *testing.T, kind identity.MessageKind) identity.Message {
	t.Helper()
	msgs := n.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == kind {
			return msgs[i]
		}
	}
	require.Failf(t, "message not delivered", "no %q message among %d", kind, len(msgs))
	return identity.Message{}
}

type capturingSink struct {
	mu     sync.Mutex
	events []identity.ActivityEvent
}

func (c *capturingSink) Record(ctx context.Context, evt identity.ActivityEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturingSink) Types() []identity.ActivityEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]identity.ActivityEventType, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType)
	}
	return out
}

// testEnv is the full service graph over an in memory database
type testEnv struct {
	DB           *bun.DB
	Repo         identity.RepositoryManager
	Clock        *testClock
	Notifier     *capturingNotifier
	Sink         *capturingSink
	Dispatcher   *identity.Dispatcher
	Credentials  *identity.CredentialStore
	StateMachine identity.AccountStateMachine
	Verification *identity.VerificationManager
	Reset        *identity.PasswordResetManager
	Tokens       *identity.TokenServiceImpl
	Sessions     *identity.SessionManager
	Resolver     *identity.Resolver
	Lifecycle    *identity.AccountLifecycle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		DB:       newTestDB(t),
		Clock:    newTestClock(),
		Notifier: &capturingNotifier{},
		Sink:     &capturingSink{},
	}

	env.Repo = identity.NewRepositoryManager(env.DB)
	env.Repo.MustValidate()

	env.Dispatcher = identity.NewDispatcher(env.Notifier)
	t.Cleanup(env.Dispatcher.Wait)

	env.Credentials = identity.NewCredentialStore(env.Repo,
		identity.WithPasswordHasher(identity.NewBcryptHasher(bcrypt.MinCost)),
		identity.WithCredentialStoreClock(env.Clock.Now),
		identity.WithCredentialStoreActivitySink(env.Sink),
	)

	env.StateMachine = identity.NewAccountStateMachine(env.Repo.Accounts(), env.DB,
		identity.WithStateMachineClock(env.Clock.Now),
		identity.WithStateMachineActivitySink(env.Sink),
	)

	env.Verification = identity.NewVerificationManager(env.Repo, env.Credentials, env.StateMachine, env.Dispatcher,
		identity.WithVerificationClock(env.Clock.Now),
		identity.WithVerificationTemplates(identity.MessageTemplates{AppHost: "https://app.test"}),
	)

	env.Reset = identity.NewPasswordResetManager(env.Repo, env.Credentials, env.Dispatcher,
		identity.WithPasswordResetClock(env.Clock.Now),
		identity.WithPasswordResetActivitySink(env.Sink),
	)

	var err error
	env.Tokens, err = identity.NewTokenService(identity.TokenServiceConfig{
		SigningKey: identity.SigningKey{ID: "k1", Secret: []byte(testSigningKey)},
		Issuer:     "identity-test",
	}, nil)
	require.NoError(t, err)

	env.Sessions = identity.NewSessionManager(env.Repo, env.Credentials, env.StateMachine, env.Tokens,
		identity.WithSessionClock(env.Clock.Now),
		identity.WithSessionActivitySink(env.Sink),
	)

	env.Resolver = identity.NewResolver(env.Tokens, env.Credentials)
	env.Lifecycle = identity.NewAccountLifecycle(env.Credentials, env.StateMachine, env.Repo.RefreshSessions(), nil)

	return env
}

// signup creates an UNVERIFIED account with testPassword
func (e *testEnv) signup(t *testing.T, email string) *identity.Account {
	t.Helper()
	account, err := e.Credentials.CreateAccount(context.Background(), identity.NewAccount{
		Email:    email,
		Password: testPassword,
	})
	require.NoError(t, err)
	return account
}

// signupActive creates an account and confirms its email
func (e *testEnv) signupActive(t *testing.T, email string, role ...identity.UserRole) *identity.Account {
	t.Helper()
	in := identity.NewAccount{Email: email, Password: testPassword}
	if len(role) > 0 {
		in.Role = role[0]
	}
	account, err := e.Credentials.CreateAccount(context.Background(), in)
	require.NoError(t, err)

	issued, err := e.Verification.Issue(context.Background(), account)
	require.NoError(t, err)
	require.NoError(t, e.Verification.Confirm(context.Background(), issued.Token))
	// settle the verification email so later lookups see only new messages
	e.Dispatcher.Wait()

	account, err = e.Credentials.FindByID(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, identity.AccountStatusActive, account.Status)
	return account
}

// tokenFromBody extracts the verification token from a rendered message
func tokenFromBody(t *testing.T, body string) string {
	t.Helper()
	idx := strings.LastIndex(body, "token=")
	require.GreaterOrEqual(t, idx, 0, "no token in %q", body)
	return body[idx+len("token="):]
}

// codeFromBody extracts the reset code from a rendered message
func codeFromBody(t *testing.T, body string) string {
	t.Helper()
	idx := strings.LastIndex(body, "\n")
	require.GreaterOrEqual(t, idx, 0)
	return body[idx+1:]
}
