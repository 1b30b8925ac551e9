// Package config loads service definitions and process settings.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nucleus/tracker-core/internal/tracker"
)

//go:embed services.yaml
var builtinServices []byte

// Config is the process configuration.
type Config struct {
	Services []ServiceConfig `yaml:"services"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	SentryDSN string `yaml:"sentry_dsn"`

	// CheckpointDSN is a Postgres URL for fetch watermarks; empty keeps
	// them in memory.
	CheckpointDSN string `yaml:"checkpoint_dsn"`
}

// ServiceConfig is one services entry.
type ServiceConfig struct {
	Name        string            `yaml:"name"`
	Aliases     []string          `yaml:"aliases"`
	URL         string            `yaml:"url"`
	Dialect     string            `yaml:"dialect"`
	Auth        string            `yaml:"auth"`
	MaxIDs      int               `yaml:"max_ids"`
	PageSize    int               `yaml:"page_size"`
	RateLimit   float64           `yaml:"rate_limit"`
	Burst       int               `yaml:"burst"`
	Concurrency int               `yaml:"concurrency"`
	Timeout     time.Duration     `yaml:"timeout"`
	Retry       RetryConfig       `yaml:"retry"`
	Options     map[string]string `yaml:"options"`
}

// RetryConfig overrides the default retry policy of a service.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns the builtin services with default settings.
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: "info", LogFormat: "text"}
	if err := yaml.Unmarshal(builtinServices, cfg); err != nil {
		panic(fmt.Sprintf("builtin services: %v", err))
	}
	return cfg
}

// Load reads the file at path (DefaultConfigPath when empty) on top of the
// defaults and applies environment overrides. A missing default file is not
// an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns $TRACKER_CONFIG or the per-user config file.
func DefaultConfigPath() string {
	if p := os.Getenv("TRACKER_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tracker.yaml"
	}
	return filepath.Join(dir, "tracker", "config.yaml")
}

// merge decodes a user file. Services replace builtin entries of the same
// name and are appended otherwise.
func (c *Config) merge(data []byte) error {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for _, svc := range file.Services {
		replaced := false
		for i := range c.Services {
			if strings.EqualFold(c.Services[i].Name, svc.Name) {
				c.Services[i] = svc
				replaced = true
				break
			}
		}
		if !replaced {
			c.Services = append(c.Services, svc)
		}
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		c.LogFormat = file.LogFormat
	}
	if file.LogFile != "" {
		c.LogFile = file.LogFile
	}
	if file.SentryDSN != "" {
		c.SentryDSN = os.ExpandEnv(file.SentryDSN)
	}
	if file.CheckpointDSN != "" {
		c.CheckpointDSN = os.ExpandEnv(file.CheckpointDSN)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("TRACKER_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("TRACKER_LOG_FORMAT", c.LogFormat)
	c.SentryDSN = getEnv("TRACKER_SENTRY_DSN", c.SentryDSN)
	c.CheckpointDSN = getEnv("TRACKER_CHECKPOINT_DSN", c.CheckpointDSN)
}

// Validate checks every service entry.
func (c *Config) Validate() error {
	var errs []error
	for i, svc := range c.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		}
		if svc.URL == "" {
			errs = append(errs, fmt.Errorf("service %s: url is required", svc.Name))
		}
		if svc.Dialect == "" {
			errs = append(errs, fmt.Errorf("service %s: dialect is required", svc.Name))
		}
		if svc.MaxIDs < 0 || svc.PageSize < 0 || svc.RateLimit < 0 || svc.Burst < 0 || svc.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("service %s: limits must not be negative", svc.Name))
		}
	}
	return errors.Join(errs...)
}

// Descriptors converts the service entries for tracker.NewRegistry.
func (c *Config) Descriptors() []tracker.Descriptor {
	descs := make([]tracker.Descriptor, len(c.Services))
	for i, svc := range c.Services {
		descs[i] = tracker.Descriptor{
			Name:             svc.Name,
			Aliases:          svc.Aliases,
			Endpoint:         svc.URL,
			Dialect:          svc.Dialect,
			AuthRef:          svc.Auth,
			MaxIDsPerRequest: svc.MaxIDs,
			PageSize:         svc.PageSize,
			RateLimit:        svc.RateLimit,
			Burst:            svc.Burst,
			Concurrency:      svc.Concurrency,
			Timeout:          svc.Timeout,
			Retry: tracker.RetryPolicy{
				MaxAttempts: svc.Retry.MaxAttempts,
				BaseDelay:   svc.Retry.BaseDelay,
				MaxDelay:    svc.Retry.MaxDelay,
			},
			Options: svc.Options,
		}
	}
	return descs
}

// EnvCredentials resolves an auth reference from TRACKER_<REF>_USER,
// TRACKER_<REF>_PASSWORD and TRACKER_<REF>_TOKEN. The reference is upper
// cased with non-alphanumerics replaced by underscores.
func EnvCredentials() tracker.CredentialSource {
	return tracker.CredentialFunc(func(ref string) (tracker.Credentials, error) {
		prefix := "TRACKER_" + envKey(ref) + "_"
		return tracker.Credentials{
			User:     getEnv(prefix+"USER", ""),
			Password: getEnv(prefix+"PASSWORD", ""),
			Token:    getEnv(prefix+"TOKEN", ""),
		}, nil
	})
}

func envKey(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, ref)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
