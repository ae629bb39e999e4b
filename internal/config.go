package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/arbor/internal/plugins"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Engine  EngineConfig      `yaml:"engine"`
	Schemas SchemasConfig     `yaml:"schemas"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Schemas.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
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
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// EngineConfig tunes the per-document editors.
type EngineConfig struct {
	HistoryDepth    int           `yaml:"history_depth"`
	MaxAppendRounds int           `yaml:"max_append_rounds"`
	HookTimeout     time.Duration `yaml:"hook_timeout"`
	QueueSize       int           `yaml:"queue_size"`
	// Plugins names the stock plugins every document runs, in order.
	Plugins []string `yaml:"plugins"`
	// StampAttr is the root attribute the stamp plugin writes the author to.
	StampAttr string `yaml:"stamp_attr"`
	// MaxSteps rejects larger transactions. Zero disables the limit.
	MaxSteps int `yaml:"max_steps"`
	// Audit logs every committed apply.
	Audit bool `yaml:"audit"`
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.HistoryDepth, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxAppendRounds, validation.Required, validation.Min(1)),
		validation.Field(&c.HookTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Plugins, validation.Each(validation.In(plugins.StatsKey, plugins.ReadOnlyKey, plugins.StampKey))),
		validation.Field(&c.StampAttr, validation.When(c.stampEnabled(), validation.Required)),
		validation.Field(&c.MaxSteps, validation.Min(0)),
	)
}

func (c *EngineConfig) stampEnabled() bool {
	for _, p := range c.Plugins {
		if p == plugins.StampKey {
			return true
		}
	}
	return false
}

// SchemasConfig holds the schema directory.
type SchemasConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the schemas configuration.
func (c *SchemasConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
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
		Engine: EngineConfig{
			HistoryDepth:    100,
			MaxAppendRounds: 16,
			HookTimeout:     5 * time.Second,
			QueueSize:       64,
			Plugins:         []string{plugins.ReadOnlyKey, plugins.StatsKey, plugins.StampKey},
			StampAttr:       "modified_by",
			MaxSteps:        1000,
		},
		Schemas: SchemasConfig{
			Dir:   "./schemas",
			Watch: true,
		},
		SQLite: SQLiteConfig{
			Path: "./arbor.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
