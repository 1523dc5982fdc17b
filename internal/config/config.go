// Package config loads the service configuration from environment variables.
// Every setting has a default except where noted, and Validate reports all
// problems at once so a misconfigured deployment fails on startup.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig
	Workbook WorkbookConfig
	Repo     RepoConfig
	Backup   BackupConfig
	Limits   LimitsConfig
	Database DatabaseConfig
	Audit    AuditConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including the final backup.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// WorkbookConfig locates the live workbook file.
type WorkbookConfig struct {
	// BasePath is the .cef file saved by /api/save; patches go next to it.
	BasePath string `env:"CEF_BASE_PATH" default:"data/workbook.cef"`

	// LoadOnStart loads BasePath at startup when the file exists.
	LoadOnStart bool `env:"CEF_LOAD_ON_START" default:"true"`

	// InitialSheet is created when the workbook starts empty. Empty disables it.
	InitialSheet string `env:"CEF_INITIAL_SHEET" default:"Sheet1"`
}

// RepoConfig holds the commit repository settings.
type RepoConfig struct {
	Path   string `env:"CEF_REPO_PATH" default:"data/repo"`
	Author string `env:"CEF_AUTHOR" envAlt:"USER" default:"System"`
}

// BackupConfig holds the automatic backup settings.
type BackupConfig struct {
	Enabled    bool          `env:"CEF_BACKUP_ENABLED" default:"true"`
	Dir        string        `env:"CEF_BACKUP_DIR" default:"data/backups"`
	Interval   time.Duration `env:"CEF_BACKUP_INTERVAL" default:"5m"`
	MaxBackups int           `env:"CEF_MAX_BACKUPS" default:"10"`
}

// LimitsConfig bounds concurrent heavy operations (save, commit, checkout,
// restore, export).
type LimitsConfig struct {
	MaxConcurrent int           `env:"OPS_MAX_CONCURRENT" default:"4"`
	MaxWaitTime   time.Duration `env:"OPS_MAX_WAIT_TIME" default:"30s"`
}

// DatabaseConfig holds the optional audit database settings. When URL is
// empty the audit trail is kept in memory.
type DatabaseConfig struct {
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Enabled reports whether an audit database is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Retention      time.Duration `env:"AUDIT_RETENTION" default:"2160h"`
	PurgeInterval  time.Duration `env:"AUDIT_PURGE_INTERVAL" default:"24h"`
	MemoryCapacity int           `env:"AUDIT_MEMORY_CAPACITY" default:"1000"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// forwarding headers are honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	APIKeys       []string `env:"API_KEYS"`
	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`

	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"300"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
