package config

// Config represents the core relay configuration
type Config struct {
	Server ServerConfig `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Redis  RedisConfig  `mapstructure:"redis" toml:"redis" json:"redis" yaml:"redis"`
	Log    LogConfig    `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// ServerConfig configures the relay HTTP/WebSocket gateway
type ServerConfig struct {
	// Listen port (default: 3331)
	Port int `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	// Shared secret for monitor/client sockets
	AuthToken string `mapstructure:"auth_token" toml:"auth_token" json:"auth_token" yaml:"auth_token"`
	// CORS allow-list; ["*"] = wildcard
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// RedisConfig configures the shared job store
type RedisConfig struct {
	URL string `mapstructure:"url" toml:"url" json:"url" yaml:"url"` // redis:// URL, DB 0
}

// LogConfig configures logging output
type LogConfig struct {
	// JSON structured output instead of console
	JSON bool `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	// 0 = warnings only, 1 = info, 2+ = debug
	Verbosity int `mapstructure:"verbosity" toml:"verbosity" json:"verbosity" yaml:"verbosity"`
}

// Server defaults
const (
	DefaultServerPort = 3331
	DefaultRedisURL   = "redis://localhost:6379/0"

	// DefaultAuthToken is the compiled-in development secret. Deployments
	// override it via RELAY_SERVER_AUTH_TOKEN or the config file.
	DefaultAuthToken = "insecure-dev-token"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetAllowedOrigins returns the CORS allow-list, defaulting to wildcard
func (c *Config) GetAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return c.Server.AllowedOrigins
}

// GetAuthToken returns the configured auth secret with the compiled default
func (c *Config) GetAuthToken() string {
	if c.Server.AuthToken == "" {
		return DefaultAuthToken
	}
	return c.Server.AuthToken
}
