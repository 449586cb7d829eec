package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/ensemble/internal/core/bundle"
	"github.com/artpar/ensemble/internal/core/packages"
	"github.com/artpar/ensemble/internal/shell/deployer"
	"github.com/artpar/ensemble/internal/shell/orchestrator"
	"github.com/artpar/ensemble/internal/shell/packager"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Build    BuildConfig    `mapstructure:"build"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	AWS      AWSConfig      `mapstructure:"aws"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds the deployment ledger configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BuildConfig holds packaging configuration.
type BuildConfig struct {
	// WorkDir is the parent of temporary build directories. Empty means the
	// OS temp dir.
	WorkDir string `mapstructure:"work_dir"`

	// PackageRoots are searched in order for node_modules. Empty means the
	// assembly's source root.
	PackageRoots []string `mapstructure:"package_roots"`

	// Exclude lists packages left out of archives; an entry ending in "/"
	// names a scope. Empty means the packages each function's runtime ships.
	Exclude []string `mapstructure:"exclude"`

	CompressionLevel int    `mapstructure:"compression_level"`
	Concurrency      int    `mapstructure:"concurrency"`
	ConflictPolicy   string `mapstructure:"conflict_policy"` // fail-fast | first-match
	ForceUpload      bool   `mapstructure:"force_upload"`
}

// DeployConfig holds deployment engine configuration.
type DeployConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Capabilities      []string      `mapstructure:"capabilities"`
	MaxInlineTemplate int           `mapstructure:"max_inline_template"`
}

// AWSConfig holds AWS client configuration.
type AWSConfig struct {
	// Profile overrides the assembly's profile.
	Profile string `mapstructure:"profile"`

	// Static credentials. When unset the default credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	d := deployer.DefaultConfig()
	b := packager.DefaultConfig()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.dsn", "./.ensemble/ledger.db")
	v.SetDefault("build.work_dir", "")
	v.SetDefault("build.package_roots", []string{})
	v.SetDefault("build.exclude", []string{})
	v.SetDefault("build.compression_level", bundle.DefaultCompression)
	v.SetDefault("build.concurrency", b.Concurrency)
	v.SetDefault("build.conflict_policy", string(b.ConflictPolicy))
	v.SetDefault("build.force_upload", false)
	v.SetDefault("deploy.timeout", d.Timeout.String())
	v.SetDefault("deploy.base_delay", d.BaseDelay.String())
	v.SetDefault("deploy.max_delay", d.MaxDelay.String())
	v.SetDefault("deploy.capabilities", d.Capabilities)
	v.SetDefault("deploy.max_inline_template", orchestrator.MaxInlineTemplate)
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("ENSEMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := packages.ParsePolicy(c.Build.ConflictPolicy); err != nil {
		return fmt.Errorf("build.conflict_policy: %w", err)
	}
	if c.Build.CompressionLevel < -1 || c.Build.CompressionLevel > 9 {
		return fmt.Errorf("build.compression_level: %d is not in [-1, 9]", c.Build.CompressionLevel)
	}
	if c.Deploy.Timeout < 0 || c.Deploy.BaseDelay < 0 || c.Deploy.MaxDelay < 0 {
		return fmt.Errorf("deploy: durations must not be negative")
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("aws: access_key_id and secret_access_key must be set together")
	}
	return nil
}

// =============================================================================
// Derived Configs
// =============================================================================

// PackagerConfig returns the packager configuration.
func (c *Config) PackagerConfig() packager.Config {
	policy, _ := packages.ParsePolicy(c.Build.ConflictPolicy)
	var exclude []string
	if len(c.Build.Exclude) > 0 {
		exclude = c.Build.Exclude
	}
	return packager.Config{
		WorkDir:          c.Build.WorkDir,
		CompressionLevel: c.Build.CompressionLevel,
		Concurrency:      c.Build.Concurrency,
		ConflictPolicy:   policy,
		Force:            c.Build.ForceUpload,
		Exclude:          exclude,
	}
}

// OrchestratorConfig returns the orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	d := deployer.DefaultConfig()
	d.Timeout = c.Deploy.Timeout
	d.BaseDelay = c.Deploy.BaseDelay
	d.MaxDelay = c.Deploy.MaxDelay
	if len(c.Deploy.Capabilities) > 0 {
		d.Capabilities = c.Deploy.Capabilities
	}
	return orchestrator.Config{
		Deploy:            d,
		MaxInlineTemplate: c.Deploy.MaxInlineTemplate,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w so that command output on stdout stays clean.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
