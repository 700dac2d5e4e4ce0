// Package config loads application settings from defaults, an optional YAML
// file, an optional .env file and FASTMANGO_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admin      AdminConfig      `yaml:"admin"`
	MCP        MCPConfig        `yaml:"mcp"`
	Auth       AuthConfig       `yaml:"auth"`
	Migrations MigrationsConfig `yaml:"migrations"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Title           string        `yaml:"title" env:"FASTMANGO_TITLE"`
	Version         string        `yaml:"version"`
	Host            string        `yaml:"host" env:"FASTMANGO_HOST"`
	Port            int           `yaml:"port" env:"FASTMANGO_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"FASTMANGO_ALLOWED_ORIGINS"`
}

// DatabaseConfig configures the connection pool. An empty DSN runs the
// application without a database.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"FASTMANGO_DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"FASTMANGO_DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"FASTMANGO_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	Echo            bool          `yaml:"echo" env:"FASTMANGO_DATABASE_ECHO"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"FASTMANGO_LOG_LEVEL"`
	Format string `yaml:"format" env:"FASTMANGO_LOG_FORMAT"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"FASTMANGO_ADMIN_ENABLED"`
	Path    string `yaml:"path"`
	Title   string `yaml:"title"`
}

// MCPConfig configures the tool server.
type MCPConfig struct {
	Enabled          bool            `yaml:"enabled" env:"FASTMANGO_MCP_ENABLED"`
	Name             string          `yaml:"name"`
	Version          string          `yaml:"version"`
	Description      string          `yaml:"description"`
	RequireAuth      bool            `yaml:"require_auth" env:"FASTMANGO_MCP_REQUIRE_AUTH"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	RateLimit        RateLimitConfig `yaml:"rate_limiting"`
	APIKeys          APIKeyConfig    `yaml:"api_keys"`
	DashboardURL     string          `yaml:"dashboard_url"`
	HealthCheckURL   string          `yaml:"health_check_url"`
	ProtocolPath     string          `yaml:"protocol_path"`
	ExposeToolRoutes bool            `yaml:"expose_tool_routes"`
	ScheduleTimeout  time.Duration   `yaml:"schedule_timeout"`
}

// RateLimitConfig configures per-client request limits. A RedisAddr shares
// the limit between processes.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RedisAddr         string `yaml:"redis_addr" env:"FASTMANGO_REDIS_ADDR"`
}

// APIKeyConfig configures API key authentication of the tool endpoints.
type APIKeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Header  string   `yaml:"header"`
	Keys    []string `yaml:"keys" env:"FASTMANGO_MCP_API_KEYS"`
}

// AuthConfig configures token issuing.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"FASTMANGO_JWT_SECRET"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// MigrationsConfig locates versioned migration files.
type MigrationsConfig struct {
	Dir string `yaml:"dir" env:"FASTMANGO_MIGRATIONS_DIR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Title:           "FastMango",
			Version:         "0.1.0",
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			PingTimeout:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Admin: AdminConfig{
			Enabled: true,
			Path:    "/admin",
			Title:   "FastMango Admin",
		},
		MCP: MCPConfig{
			Enabled:        true,
			Name:           "FastMango MCP Server",
			Version:        "1.0.0",
			Description:    "MCP server powered by FastMango",
			AllowedOrigins: []string{"claude.ai", "chatgpt.com"},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 100,
				Burst:             20,
			},
			APIKeys: APIKeyConfig{
				Enabled: true,
				Header:  "X-MCP-API-Key",
			},
			DashboardURL:     "/mcp-dashboard",
			HealthCheckURL:   "/health",
			ProtocolPath:     "/mcp",
			ExposeToolRoutes: true,
			ScheduleTimeout:  5 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:   "fastmango",
			TokenTTL: 24 * time.Hour,
		},
		Migrations: MigrationsConfig{
			Dir: "migrations",
		},
	}
}

// Load builds the configuration. A missing YAML file or .env file is not an
// error; an unreadable or malformed one is.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the application cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		problems = append(problems, "database.driver is required when database.dsn is set")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Admin.Enabled && !strings.HasPrefix(c.Admin.Path, "/") {
		problems = append(problems, "admin.path must start with /")
	}
	if c.MCP.Enabled {
		if c.MCP.RateLimit.Enabled && (c.MCP.RateLimit.RequestsPerMinute <= 0 || c.MCP.RateLimit.Burst <= 0) {
			problems = append(problems, "mcp.rate_limiting needs positive requests_per_minute and burst")
		}
		if c.MCP.APIKeys.Enabled && c.MCP.APIKeys.Header == "" {
			problems = append(problems, "mcp.api_keys.header is required")
		}
		if c.MCP.RequireAuth && c.Auth.JWTSecret == "" && len(c.MCP.APIKeys.Keys) == 0 {
			problems = append(problems, "mcp.require_auth needs auth.jwt_secret or mcp.api_keys.keys")
		}
		for _, p := range []string{c.MCP.DashboardURL, c.MCP.HealthCheckURL, c.MCP.ProtocolPath} {
			if p != "" && !strings.HasPrefix(p, "/") {
				problems = append(problems, fmt.Sprintf("mcp path %q must start with /", p))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
