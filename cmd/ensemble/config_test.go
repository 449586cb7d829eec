package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/ensemble/internal/core/bundle"
	"github.com/artpar/ensemble/internal/core/packages"
	"github.com/artpar/ensemble/internal/shell/orchestrator"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "./.ensemble/ledger.db", cfg.Database.DSN)
	assert.Empty(t, cfg.Build.WorkDir)
	assert.Empty(t, cfg.Build.PackageRoots)
	assert.Empty(t, cfg.Build.Exclude)
	assert.Nil(t, cfg.PackagerConfig().Exclude, "runtime exclusions apply")
	assert.Equal(t, bundle.DefaultCompression, cfg.Build.CompressionLevel)
	assert.Equal(t, 4, cfg.Build.Concurrency)
	assert.Equal(t, "fail-fast", cfg.Build.ConflictPolicy)
	assert.False(t, cfg.Build.ForceUpload)
	assert.Equal(t, 300*time.Second, cfg.Deploy.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Deploy.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Deploy.MaxDelay)
	assert.Equal(t, []string{"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"}, cfg.Deploy.Capabilities)
	assert.Equal(t, orchestrator.MaxInlineTemplate, cfg.Deploy.MaxInlineTemplate)
	assert.Empty(t, cfg.AWS.Profile)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
log:
  level: "debug"
  format: "json"

database:
  dsn: "/tmp/ledger.db"

build:
  work_dir: /tmp/build
  package_roots: [/srv/app, /srv/shared]
  exclude: [aws-sdk, "@aws-sdk/"]
  compression_level: 9
  concurrency: 8
  conflict_policy: first-match
  force_upload: true

deploy:
  timeout: 10m
  base_delay: 2s
  max_delay: 30s
  capabilities: [CAPABILITY_IAM]

aws:
  profile: prod
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.DSN)
	assert.Equal(t, "/tmp/build", cfg.Build.WorkDir)
	assert.Equal(t, []string{"/srv/app", "/srv/shared"}, cfg.Build.PackageRoots)
	assert.Equal(t, 9, cfg.Build.CompressionLevel)
	assert.Equal(t, 8, cfg.Build.Concurrency)
	assert.True(t, cfg.Build.ForceUpload)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Deploy.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Deploy.MaxDelay)
	assert.Equal(t, []string{"CAPABILITY_IAM"}, cfg.Deploy.Capabilities)
	assert.Equal(t, "prod", cfg.AWS.Profile)

	pc := cfg.PackagerConfig()
	assert.Equal(t, packages.FirstMatch, pc.ConflictPolicy)
	assert.True(t, pc.Force)
	assert.Equal(t, "/tmp/build", pc.WorkDir)
	assert.Equal(t, []string{"aws-sdk", "@aws-sdk/"}, pc.Exclude)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 10*time.Minute, oc.Deploy.Timeout)
	assert.Equal(t, []string{"CAPABILITY_IAM"}, oc.Deploy.Capabilities)
	assert.Equal(t, "ensemble_fingerprint", oc.Deploy.FingerprintTag)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("ENSEMBLE_LOG_LEVEL", "warn")
	t.Setenv("ENSEMBLE_DATABASE_DSN", "/custom/ledger.db")
	t.Setenv("ENSEMBLE_DEPLOY_TIMEOUT", "90s")
	t.Setenv("ENSEMBLE_BUILD_FORCE_UPLOAD", "true")
	t.Setenv("ENSEMBLE_AWS_PROFILE", "staging")
	t.Setenv("ENSEMBLE_BUILD_EXCLUDE", "aws-sdk,left-pad")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/custom/ledger.db", cfg.Database.DSN)
	assert.Equal(t, 90*time.Second, cfg.Deploy.Timeout)
	assert.True(t, cfg.Build.ForceUpload)
	assert.Equal(t, "staging", cfg.AWS.Profile)
	assert.Equal(t, []string{"aws-sdk", "left-pad"}, cfg.Build.Exclude)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 300*time.Second, cfg.Deploy.Timeout)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"conflict policy", map[string]string{"ENSEMBLE_BUILD_CONFLICT_POLICY": "newest"}, "build.conflict_policy"},
		{"compression level", map[string]string{"ENSEMBLE_BUILD_COMPRESSION_LEVEL": "12"}, "build.compression_level"},
		{"negative timeout", map[string]string{"ENSEMBLE_DEPLOY_TIMEOUT": "-1s"}, "durations"},
		{"half credentials", map[string]string{"ENSEMBLE_AWS_ACCESS_KEY_ID": "AKIA"}, "set together"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"invalid", false, true}, // Falls back to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level, Format: "text"}}, &buf)

			logger.Debug("debug-line")
			logger.Info("info-line")

			assert.Equal(t, tt.debugSeen, bytes.Contains(buf.Bytes(), []byte("debug-line")))
			assert.Equal(t, tt.infoSeen, bytes.Contains(buf.Bytes(), []byte("info-line")))
		})
	}
}

func TestSetupLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger(&Config{Log: LogConfig{Level: "info", Format: "json"}}, &buf)

	logger.Info("hello", "section", "r1/s1")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"section":"r1/s1"`)
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"ENSEMBLE_LOG_LEVEL",
		"ENSEMBLE_LOG_FORMAT",
		"ENSEMBLE_DATABASE_DSN",
		"ENSEMBLE_BUILD_CONFLICT_POLICY",
		"ENSEMBLE_BUILD_COMPRESSION_LEVEL",
		"ENSEMBLE_BUILD_FORCE_UPLOAD",
		"ENSEMBLE_BUILD_EXCLUDE",
		"ENSEMBLE_DEPLOY_TIMEOUT",
		"ENSEMBLE_AWS_PROFILE",
		"ENSEMBLE_AWS_ACCESS_KEY_ID",
		"ENSEMBLE_AWS_SECRET_ACCESS_KEY",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
