package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"

	"github.com/starford/tessera/internal/api"
	"github.com/starford/tessera/internal/store"
)

// Auth modes.
const (
	AuthModeDisabled = api.AuthModeDisabled
	AuthModeToken    = api.AuthModeToken
	AuthModeJWT      = api.AuthModeJWT
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Store  StoreConfig       `yaml:"store"`
	Redis  RedisConfig       `yaml:"redis"`
	Locks  LocksConfig       `yaml:"locks"`
	Auth   AuthConfig        `yaml:"auth"`
	Schema SchemaConfig      `yaml:"schema"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Store, &c.Redis, &c.Locks, &c.Auth, &c.Schema} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.CORSOrigins, validation.Each(validation.Required)),
	)
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = string(store.DriverSQLite)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.In(string(store.DriverSQLite), string(store.DriverPostgres))),
		validation.Field(&c.DSN, validation.Required),
	)
}

// RedisConfig enables Redis-backed locks and cross-instance fan-out when
// URL is set.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether a Redis URL is configured.
func (c *RedisConfig) Enabled() bool { return c.URL != "" }

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.By(func(v any) error {
			if u, _ := v.(string); u != "" {
				if _, err := redis.ParseURL(u); err != nil {
					return err
				}
			}
			return nil
		})),
	)
}

// LocksConfig holds entity lock settings.
type LocksConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Validate validates the lock configuration.
func (c *LocksConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TTL, validation.Min(time.Second)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//   - "jwt": HS256 bearer tokens signed with JWTSecret; the subject is the user.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken, AuthModeJWT)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	if c.Mode == AuthModeJWT && len(c.JWTSecret) < 16 {
		return fmt.Errorf("auth: mode is %q but jwt_secret is shorter than 16 bytes", AuthModeJWT)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken || c.Mode == AuthModeJWT
}

// API converts the config into the middleware settings.
func (c *AuthConfig) API() api.Auth {
	return api.Auth{Mode: c.Mode, Token: c.Token, JWTSecret: c.JWTSecret}
}

// SchemaConfig points at the property schema directory. An empty Dir
// disables schema files.
type SchemaConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the schema configuration.
func (c *SchemaConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Watch, validation.Required)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Driver: string(store.DriverSQLite),
			DSN:    "./tessera.db",
		},
		Locks: LocksConfig{
			TTL: 2 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
