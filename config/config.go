// Package config loads the identity service configuration from a YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	identity "github.com/goliatone/go-identity"
)

// Config is the root configuration. It satisfies identity.Config
type Config struct {
	Env           string        `yaml:"env" env:"IDENTITY_ENV" env-default:"local"`
	HTTP          HTTP          `yaml:"http"`
	Database      Database      `yaml:"database"`
	Redis         Redis         `yaml:"redis"`
	SMTP          SMTP          `yaml:"smtp"`
	AMQP          AMQP          `yaml:"amqp"`
	Tokens        Tokens        `yaml:"tokens"`
	Notifications Notifications `yaml:"notifications"`
}

var _ identity.Config = (*Config)(nil)

type HTTP struct {
	Address         string        `yaml:"address" env:"IDENTITY_HTTP_ADDRESS" env-default:":8080"`
	AppHost         string        `yaml:"app_host" env:"IDENTITY_APP_HOST" env-default:"http://localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"IDENTITY_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"IDENTITY_HTTP_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"IDENTITY_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Database struct {
	// Driver is either sqlite or postgres
	Driver string `yaml:"driver" env:"IDENTITY_DB_DRIVER" env-default:"sqlite"`
	DSN    string `yaml:"dsn" env:"IDENTITY_DB_DSN" env-default:"file:identity.db?cache=shared"`
	Debug  bool   `yaml:"debug" env:"IDENTITY_DB_DEBUG"`
}

// Redis enables the redis refresh session store when Address is set
type Redis struct {
	Address  string `yaml:"address" env:"IDENTITY_REDIS_ADDRESS"`
	Password string `yaml:"password" env:"IDENTITY_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"IDENTITY_REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"IDENTITY_REDIS_PREFIX" env-default:"identity"`
}

type SMTP struct {
	Host     string `yaml:"host" env:"IDENTITY_SMTP_HOST"`
	Port     int    `yaml:"port" env:"IDENTITY_SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"IDENTITY_SMTP_USERNAME"`
	Password string `yaml:"password" env:"IDENTITY_SMTP_PASSWORD"`
	From     string `yaml:"from" env:"IDENTITY_SMTP_FROM" env-default:"no-reply@localhost"`
}

type AMQP struct {
	URL   string `yaml:"url" env:"IDENTITY_AMQP_URL"`
	Queue string `yaml:"queue" env:"IDENTITY_AMQP_QUEUE" env-default:"identity.notifications"`
}

type Tokens struct {
	SigningKey   string `yaml:"signing_key" env:"IDENTITY_SIGNING_KEY" env-required:"true"`
	SigningKeyID string `yaml:"signing_key_id" env:"IDENTITY_SIGNING_KEY_ID" env-default:"primary"`
	// PreviousKeys holds retired keys by kid, "kid1:secret1,kid2:secret2" in env
	PreviousKeys         map[string]string `yaml:"previous_keys" env:"IDENTITY_PREVIOUS_SIGNING_KEYS"`
	Issuer               string            `yaml:"issuer" env:"IDENTITY_ISSUER" env-default:"go-identity"`
	Audience             []string          `yaml:"audience" env:"IDENTITY_AUDIENCE"`
	AccessTokenTTL       time.Duration     `yaml:"access_token_ttl" env:"IDENTITY_ACCESS_TOKEN_TTL" env-default:"1h"`
	AdminTokenTTL        time.Duration     `yaml:"admin_token_ttl" env:"IDENTITY_ADMIN_TOKEN_TTL" env-default:"1h"`
	RefreshTokenTTL      time.Duration     `yaml:"refresh_token_ttl" env:"IDENTITY_REFRESH_TOKEN_TTL" env-default:"720h"`
	VerificationTokenTTL time.Duration     `yaml:"verification_token_ttl" env:"IDENTITY_VERIFICATION_TOKEN_TTL" env-default:"15m"`
	ResetCodeTTL         time.Duration     `yaml:"reset_code_ttl" env:"IDENTITY_RESET_CODE_TTL" env-default:"24h"`
	PasswordHashCost     int               `yaml:"password_hash_cost" env:"IDENTITY_PASSWORD_HASH_COST" env-default:"12"`
}

type Notifications struct {
	// Transport is one of log, smtp or amqp
	Transport       string        `yaml:"transport" env:"IDENTITY_NOTIFY_TRANSPORT" env-default:"log"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"IDENTITY_NOTIFY_TIMEOUT" env-default:"30s"`
}

// Load reads the file at path, if any, and then the environment
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad is Load panicking on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	return cfg
}

// Validate checks values cleanenv cannot express
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Notifications.Transport {
	case "log":
	case "smtp":
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp transport requires smtp.host")
		}
	case "amqp":
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp transport requires amqp.url")
		}
	default:
		return fmt.Errorf("unsupported notification transport %q", c.Notifications.Transport)
	}

	if c.Tokens.SigningKey == "" {
		return fmt.Errorf("tokens.signing_key is required")
	}
	return nil
}

func (c *Config) GetSigningKey() string { return c.Tokens.SigningKey }

func (c *Config) GetSigningKeyID() string { return c.Tokens.SigningKeyID }

func (c *Config) GetPreviousSigningKeys() map[string]string { return c.Tokens.PreviousKeys }

func (c *Config) GetIssuer() string { return c.Tokens.Issuer }

func (c *Config) GetAudience() []string { return c.Tokens.Audience }

func (c *Config) GetAccessTokenTTL() time.Duration { return c.Tokens.AccessTokenTTL }

func (c *Config) GetAdminTokenTTL() time.Duration { return c.Tokens.AdminTokenTTL }

func (c *Config) GetRefreshTokenTTL() time.Duration { return c.Tokens.RefreshTokenTTL }

func (c *Config) GetVerificationTokenTTL() time.Duration { return c.Tokens.VerificationTokenTTL }

func (c *Config) GetResetCodeTTL() time.Duration { return c.Tokens.ResetCodeTTL }

func (c *Config) GetPasswordHashCost() int { return c.Tokens.PasswordHashCost }

func (c *Config) GetAppHost() string { return c.HTTP.AppHost }
