package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/racecomms/internal/plugin"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Whiteboard server backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the node configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Auth       AuthConfig        `yaml:"auth"`
	Node       NodeConfig        `yaml:"node"`
	Direct     DirectConfig      `yaml:"direct"`
	Whiteboard WhiteboardConfig  `yaml:"whiteboard"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Direct.Validate(); err != nil {
		return err
	}
	if err := c.Whiteboard.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// PluginSettings maps the channel sections onto channel manager settings.
func (c *Config) PluginSettings() plugin.Settings {
	s := plugin.DefaultSettings()
	if c.Direct.Hostname != "" {
		s.Hostname = c.Direct.Hostname
	}
	s.StartPort = c.Direct.StartPort
	s.WhiteboardHostname = c.Whiteboard.Hostname
	s.WhiteboardPort = c.Whiteboard.Port
	s.HashtagPrefix = c.Whiteboard.HashtagPrefix
	s.CheckFrequencyMs = int(c.Whiteboard.CheckFrequency / time.Millisecond)
	return s
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

// NodeConfig describes the local node and its SDK host.
type NodeConfig struct {
	Persona string `yaml:"persona"`
	// DataDir roots the SDK file store.
	DataDir string `yaml:"data_dir"`
	// AddressDir is watched for dropped peer addresses. Empty disables it.
	AddressDir string `yaml:"address_dir"`
	// UserInput answers prompts by key (hostname, startPort).
	UserInput map[string]string `yaml:"user_input"`
	// Activate lists channels activated at startup.
	Activate []string `yaml:"activate"`
}

// Validate validates the node configuration.
func (c *NodeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Persona, validation.Required),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Activate, validation.Each(validation.In(plugin.DirectChannelGID, plugin.IndirectChannelGID))),
	)
}

// DirectConfig configures the TCP channel.
type DirectConfig struct {
	// Hostname is the fallback when the hostname prompt has no answer.
	Hostname  string `yaml:"hostname"`
	StartPort int    `yaml:"start_port"`
}

// Validate validates the direct channel configuration.
func (c *DirectConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StartPort, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// WhiteboardConfig configures where indirect links meet.
type WhiteboardConfig struct {
	Hostname       string        `yaml:"hostname"`
	Port           int           `yaml:"port"`
	HashtagPrefix  string        `yaml:"hashtag_prefix"`
	CheckFrequency time.Duration `yaml:"check_frequency"`
}

// Validate validates the whiteboard channel configuration.
func (c *WhiteboardConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Hostname, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.HashtagPrefix, validation.Required),
		validation.Field(&c.CheckFrequency, validation.Required, validation.Min(time.Millisecond)),
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

// NewDefaultConfig returns a node Config with default values.
func NewDefaultConfig() *Config {
	s := plugin.DefaultSettings()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Node: NodeConfig{
			Persona: "race-client-00001",
			DataDir: "./data",
		},
		Direct: DirectConfig{
			StartPort: s.StartPort,
		},
		Whiteboard: WhiteboardConfig{
			Hostname:       s.WhiteboardHostname,
			Port:           s.WhiteboardPort,
			HashtagPrefix:  s.HashtagPrefix,
			CheckFrequency: time.Duration(s.CheckFrequencyMs) * time.Millisecond,
		},
	}
}

// ServerConfig is the whiteboard server configuration.
type ServerConfig struct {
	App     ApplicationConfig `yaml:"app"`
	Backend BackendConfig     `yaml:"server"`
}

// Validate validates the whiteboard server configuration.
func (c *ServerConfig) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	return c.Backend.Validate()
}

// BackendConfig selects and configures the post store.
type BackendConfig struct {
	Backend string       `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
	// ResizeThreshold trims every tag to this many posts after each post.
	// Zero keeps everything.
	ResizeThreshold int64 `yaml:"resize_threshold"`
}

// Validate validates the backend configuration.
func (c *BackendConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendSQLite, BackendRedis)),
		validation.Field(&c.ResizeThreshold, validation.Min(int64(0))),
	); err != nil {
		return err
	}
	if c.Backend == BackendRedis {
		return c.Redis.Validate()
	}
	return c.SQLite.Validate()
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

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
	)
}

// NewDefaultServerConfig returns a whiteboard server Config with default values.
func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 5000,
			},
		},
		Backend: BackendConfig{
			Backend: BackendSQLite,
			SQLite:  SQLiteConfig{Path: "./whiteboard.db"},
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
	}
}
