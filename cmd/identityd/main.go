// Command identityd serves the account lifecycle HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/api"
	"github.com/goliatone/go-identity/config"
	"github.com/goliatone/go-identity/notify"
	"github.com/goliatone/go-identity/store/redisstore"
)

func main() {
	configPath := flag.String("config", os.Getenv("IDENTITY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	level := slog.LevelInfo
	if cfg.Env == "local" {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger := identity.NewSlogLogger(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("identityd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger identity.Logger) error {
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := identity.Migrate(ctx, db); err != nil {
		return err
	}

	notifier, closer, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	var repoOpts []identity.RepositoryManagerOption
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		repoOpts = append(repoOpts, identity.WithRefreshSessionStore(
			redisstore.New(client, redisstore.WithPrefix(cfg.Redis.Prefix)),
		))
		logger.Info("refresh sessions stored in redis", "address", cfg.Redis.Address)
	}

	repo := identity.NewRepositoryManager(db, repoOpts...)
	repo.MustValidate()

	dispatcher := identity.NewDispatcher(notifier,
		identity.WithDispatcherLogger(logger),
		identity.WithDeliveryTimeout(cfg.Notifications.DeliveryTimeout),
	)
	defer dispatcher.Wait()

	templates := identity.MessageTemplates{AppHost: cfg.GetAppHost()}
	activity := identity.NewLoggingActivitySink(logger)

	credentials := identity.NewCredentialStore(repo,
		identity.WithPasswordHasher(identity.NewBcryptHasher(cfg.GetPasswordHashCost())),
		identity.WithCredentialStoreLogger(logger),
		identity.WithCredentialStoreActivitySink(activity),
	)

	stateMachine := identity.NewAccountStateMachine(repo.Accounts(), db,
		identity.WithStateMachineLogger(logger),
		identity.WithStateMachineActivitySink(activity),
	)

	tokens, err := identity.NewTokenServiceFromConfig(cfg, logger)
	if err != nil {
		return err
	}

	svc := api.Services{
		Credentials: credentials,
		Verification: identity.NewVerificationManager(repo, credentials, stateMachine, dispatcher,
			identity.WithVerificationTTL(cfg.GetVerificationTokenTTL()),
			identity.WithVerificationTemplates(templates),
			identity.WithVerificationLogger(logger),
		),
		Reset: identity.NewPasswordResetManager(repo, credentials, dispatcher,
			identity.WithResetCodeTTL(cfg.GetResetCodeTTL()),
			identity.WithPasswordResetTemplates(templates),
			identity.WithPasswordResetLogger(logger),
			identity.WithPasswordResetActivitySink(activity),
		),
		Sessions: identity.NewSessionManager(repo, credentials, stateMachine, tokens,
			identity.WithRefreshTokenTTL(cfg.GetRefreshTokenTTL()),
			identity.WithAdminTokenTTL(cfg.GetAdminTokenTTL()),
			identity.WithSessionLogger(logger),
			identity.WithSessionActivitySink(activity),
		),
		Lifecycle: identity.NewAccountLifecycle(credentials, stateMachine, repo.RefreshSessions(), logger),
		Resolver:  identity.NewResolver(tokens, credentials, identity.WithResolverLogger(logger)),
	}

	app := fiber.New(fiber.Config{
		AppName:               "identityd",
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		DisableStartupMessage: true,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := db.PingContext(c.UserContext()); err != nil {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		return c.SendStatus(fiber.StatusOK)
	})
	api.NewController(svc, api.WithLogger(logger)).Register(app)

	errc := make(chan error, 1)
	go func() {
		logger.Info("identityd listening", "address", cfg.HTTP.Address, "env", cfg.Env)
		errc <- app.Listen(cfg.HTTP.Address)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDB(cfg config.Database) (*bun.DB, error) {
	switch cfg.Driver {
	case "postgres":
		sqldb, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
		return db, nil
	}
}

func newNotifier(cfg *config.Config, logger identity.Logger) (identity.Notifier, io.Closer, error) {
	switch cfg.Notifications.Transport {
	case "smtp":
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), nil, nil
	case "amqp":
		n, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return nil, nil, err
		}
		return n, n, nil
	default:
		return notify.NewLogNotifier(logger), nil, nil
	}
}
