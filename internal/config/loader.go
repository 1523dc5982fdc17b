package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the process environment, applies defaults
// and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom variable lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct fills tagged fields of v, descending into nested structs.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fv, getenv); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value := getenv(name)
		if value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value = getenv(alt)
			}
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fv, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))

	case field.Kind() == reflect.String:
		field.SetString(value)

	case field.Kind() == reflect.Int || field.Kind() == reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, "SERVER_REQUEST_TIMEOUT must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Workbook.BasePath == "" {
		errs = append(errs, "CEF_BASE_PATH must not be empty")
	} else if filepath.Ext(c.Workbook.BasePath) == "" {
		errs = append(errs, fmt.Sprintf("CEF_BASE_PATH (%q) must name a file, e.g. workbook.cef", c.Workbook.BasePath))
	}
	if c.Repo.Path == "" {
		errs = append(errs, "CEF_REPO_PATH must not be empty")
	}

	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			errs = append(errs, "CEF_BACKUP_DIR must not be empty when backups are enabled")
		}
		if c.Backup.Interval <= 0 {
			errs = append(errs, "CEF_BACKUP_INTERVAL must be positive")
		}
	}
	if c.Backup.MaxBackups <= 0 {
		errs = append(errs, "CEF_MAX_BACKUPS must be positive")
	}

	if c.Limits.MaxConcurrent <= 0 {
		errs = append(errs, "OPS_MAX_CONCURRENT must be positive")
	}
	if c.Limits.MaxWaitTime <= 0 {
		errs = append(errs, "OPS_MAX_WAIT_TIME must be positive")
	}

	if c.Database.Enabled() {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	}

	if c.Audit.Retention <= 0 || c.Audit.PurgeInterval <= 0 {
		errs = append(errs, "AUDIT_RETENTION and AUDIT_PURGE_INTERVAL must be positive")
	}
	if c.Audit.MemoryCapacity <= 0 {
		errs = append(errs, "AUDIT_MEMORY_CAPACITY must be positive")
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "RATE_LIMIT_PER_MINUTE must be non-negative")
	}
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String renders the config for startup logs. The database URL and API keys
// are masked.
func (c *Config) String() string {
	db := "disabled"
	if c.Database.Enabled() {
		db = "[MASKED]"
	}
	return fmt.Sprintf(
		"Config{Server: {Addr: %q}, Workbook: {BasePath: %q}, Repo: {Path: %q, Author: %q}, "+
			"Backup: {Enabled: %v, Dir: %q, Interval: %s, MaxBackups: %d}, "+
			"Limits: {MaxConcurrent: %d, MaxWaitTime: %s}, Database: {URL: %s}, "+
			"Security: {APIKeys: %d, RequireAPIKey: %v}, Logging: {Level: %q, Format: %q}}",
		c.Server.Addr(), c.Workbook.BasePath, c.Repo.Path, c.Repo.Author,
		c.Backup.Enabled, c.Backup.Dir, c.Backup.Interval, c.Backup.MaxBackups,
		c.Limits.MaxConcurrent, c.Limits.MaxWaitTime, db,
		len(c.Security.APIKeys), c.Security.RequireAPIKey, c.Logging.Level, c.Logging.Format,
	)
}
