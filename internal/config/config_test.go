/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Default Values Tests
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Log level
	assert.Equal(t, "info", cfg.LogLevel)

	// Policy defaults
	assert.Equal(t, "kube-freezer", cfg.Policy.Namespace)
	assert.Equal(t, "kube-freezer-config", cfg.Policy.ConfigMapName)
	assert.Equal(t, "kube-freezer-schedules", cfg.Policy.SchedulesConfigMapName)
	assert.Equal(t, "kube-freezer-history", cfg.Policy.HistoryConfigMapName)
	assert.Equal(t, 500*time.Millisecond, cfg.Policy.EvaluationTimeout)

	// Storage defaults
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/data/kube-freezer.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 5432, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "require", cfg.Storage.PostgreSQL.SSLMode)
	assert.Equal(t, 3306, cfg.Storage.MySQL.Port)
	assert.Equal(t, 5, cfg.Storage.Pool.MaxIdleConns)
	assert.Equal(t, 20, cfg.Storage.Pool.MaxOpenConns)
	assert.Equal(t, 1*time.Hour, cfg.Storage.Pool.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, cfg.Storage.Pool.ConnMaxIdleTime)

	// History defaults
	assert.Equal(t, 1000, cfg.History.Capacity)
	assert.True(t, cfg.History.FlushEnabled)
	assert.Equal(t, 1*time.Minute, cfg.History.FlushInterval)
	assert.Equal(t, 30, cfg.History.RetentionDays)
	assert.Equal(t, 1*time.Hour, cfg.History.PruneInterval)

	// Exemptions defaults
	assert.Equal(t, 5*time.Minute, cfg.Exemptions.SweepInterval)

	// Notifications defaults
	assert.False(t, cfg.Notifications.Enabled)
	assert.Equal(t, 50, cfg.Notifications.MaxPerMinute)
	assert.Equal(t, 10, cfg.Notifications.Burst)
	assert.Empty(t, cfg.Notifications.Channels)

	// API defaults
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "token-review", cfg.API.AuthMode)
	assert.Equal(t, float64(10), cfg.API.RateLimitRPS)
	assert.Equal(t, 20, cfg.API.RateLimitBurst)

	// Metrics defaults
	assert.Equal(t, "0", cfg.Metrics.BindAddress)
	assert.True(t, cfg.Metrics.Secure)
	assert.Equal(t, "tls.crt", cfg.Metrics.CertName)
	assert.Equal(t, "tls.key", cfg.Metrics.CertKey)

	// Probes defaults
	assert.Equal(t, ":8081", cfg.Probes.BindAddress)

	// Leader election defaults
	assert.False(t, cfg.LeaderElection.Enabled)
	assert.Equal(t, 15*time.Second, cfg.LeaderElection.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.LeaderElection.RenewDeadline)
	assert.Equal(t, 2*time.Second, cfg.LeaderElection.RetryPeriod)

	// Webhook defaults
	assert.Equal(t, 9443, cfg.Webhook.Port)
	assert.Equal(t, "tls.crt", cfg.Webhook.CertName)
	assert.Equal(t, "tls.key", cfg.Webhook.CertKey)
	assert.False(t, cfg.Webhook.EnableHTTP2)
}

func TestLoad_DefaultValues(t *testing.T) {
	// Create empty flags
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	// Load config without any overrides
	cfg, err := Load(flags)
	require.NoError(t, err)

	// Should have defaults
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "kube-freezer", cfg.Policy.Namespace)
	assert.Equal(t, 1000, cfg.History.Capacity)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "", cfg.ConfigFileUsed())
}

// ============================================================================
// YAML File Loading Tests
// ============================================================================

func TestLoad_YAMLFile(t *testing.T) {
	// Create a temp YAML config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log-level: debug
policy:
  namespace: platform-freeze
  configmap-name: freeze-settings
  schedules-configmap-name: freeze-schedules
  history-configmap-name: freeze-history
  evaluation-timeout: 750ms
storage:
  type: postgres
  postgres:
    host: localhost
    port: 5432
    database: freezer
    username: user
    password: secret
    ssl-mode: disable
  pool:
    max-idle-conns: 2
    max-open-conns: 8
    conn-max-lifetime: 30m
    conn-max-idle-time: 5m
history:
  capacity: 500
  flush-enabled: false
  flush-interval: 30s
  retention-days: 14
  prune-interval: 2h
exemptions:
  sweep-interval: 1m
notifications:
  enabled: true
  max-per-minute: 20
  burst: 5
  channels:
    - name: oncall-slack
      type: slack
      url: https://hooks.slack.example/T000/B000
      channel: "#freeze-alerts"
      max-per-hour: 60
      burst: 5
    - name: audit-webhook
      type: webhook
      method: PUT
      url-secret-ref:
        namespace: kube-freezer
        name: audit-endpoint
        key: url
      headers:
        X-Source: kube-freezer
api:
  enabled: true
  port: 9090
  auth-mode: none
  rate-limit-rps: 2.5
  rate-limit-burst: 5
leader-election:
  enabled: true
  lease-duration: 30s
  renew-deadline: 20s
  retry-period: 5s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	// Create flags and set config path
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	// Load config
	cfg, err := Load(flags)
	require.NoError(t, err)

	// Verify YAML values are loaded
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "platform-freeze", cfg.Policy.Namespace)
	assert.Equal(t, "freeze-settings", cfg.Policy.ConfigMapName)
	assert.Equal(t, "freeze-schedules", cfg.Policy.SchedulesConfigMapName)
	assert.Equal(t, "freeze-history", cfg.Policy.HistoryConfigMapName)
	assert.Equal(t, 750*time.Millisecond, cfg.Policy.EvaluationTimeout)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "localhost", cfg.Storage.PostgreSQL.Host)
	assert.Equal(t, 5432, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "freezer", cfg.Storage.PostgreSQL.Database)
	assert.Equal(t, "user", cfg.Storage.PostgreSQL.Username)
	assert.Equal(t, "secret", cfg.Storage.PostgreSQL.Password)
	assert.Equal(t, "disable", cfg.Storage.PostgreSQL.SSLMode)
	assert.Equal(t, 2, cfg.Storage.Pool.MaxIdleConns)
	assert.Equal(t, 8, cfg.Storage.Pool.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.Storage.Pool.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, cfg.Storage.Pool.ConnMaxIdleTime)

	assert.Equal(t, 500, cfg.History.Capacity)
	assert.False(t, cfg.History.FlushEnabled)
	assert.Equal(t, 30*time.Second, cfg.History.FlushInterval)
	assert.Equal(t, 14, cfg.History.RetentionDays)
	assert.Equal(t, 2*time.Hour, cfg.History.PruneInterval)

	assert.Equal(t, 1*time.Minute, cfg.Exemptions.SweepInterval)

	assert.True(t, cfg.Notifications.Enabled)
	assert.Equal(t, 20, cfg.Notifications.MaxPerMinute)
	assert.Equal(t, 5, cfg.Notifications.Burst)
	require.Len(t, cfg.Notifications.Channels, 2)
	assert.Equal(t, "oncall-slack", cfg.Notifications.Channels[0].Name)
	assert.Equal(t, "slack", cfg.Notifications.Channels[0].Type)
	assert.Equal(t, "https://hooks.slack.example/T000/B000", cfg.Notifications.Channels[0].URL)
	assert.Equal(t, "#freeze-alerts", cfg.Notifications.Channels[0].Channel)
	assert.Equal(t, 60, cfg.Notifications.Channels[0].MaxPerHour)
	assert.Equal(t, "audit-webhook", cfg.Notifications.Channels[1].Name)
	assert.Equal(t, "webhook", cfg.Notifications.Channels[1].Type)
	assert.Equal(t, "PUT", cfg.Notifications.Channels[1].Method)
	assert.Equal(t, "kube-freezer", cfg.Notifications.Channels[1].URLSecretRef.Namespace)
	assert.Equal(t, "audit-endpoint", cfg.Notifications.Channels[1].URLSecretRef.Name)
	assert.Equal(t, "url", cfg.Notifications.Channels[1].URLSecretRef.Key)
	assert.Equal(t, "kube-freezer", cfg.Notifications.Channels[1].Headers["X-Source"])

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "none", cfg.API.AuthMode)
	assert.Equal(t, 2.5, cfg.API.RateLimitRPS)
	assert.Equal(t, 5, cfg.API.RateLimitBurst)

	assert.True(t, cfg.LeaderElection.Enabled)
	assert.Equal(t, 30*time.Second, cfg.LeaderElection.LeaseDuration)
	assert.Equal(t, 20*time.Second, cfg.LeaderElection.RenewDeadline)
	assert.Equal(t, 5*time.Second, cfg.LeaderElection.RetryPeriod)

	// Verify config file path is reported
	assert.Equal(t, configPath, cfg.ConfigFileUsed())
}

func TestLoad_InvalidYAML(t *testing.T) {
	// Create a temp invalid YAML file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
log-level: debug
storage:
  type: [invalid yaml
    - missing bracket
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0600)
	require.NoError(t, err)

	// Create flags and set config path
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	// Load should fail
	_, err = Load(flags)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_NonExistentConfigFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Set("config", "/nonexistent/path/config.yaml")
	require.NoError(t, err)

	// Load should fail
	_, err = Load(flags)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

// ============================================================================
// CLI Flags Override Tests
// ============================================================================

func TestLoad_Flags(t *testing.T) {
	// Create a YAML with some values
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log-level: info
storage:
  type: sqlite
api:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	// Create flags
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	// Set config file and override some values via flags
	err = flags.Set("config", configPath)
	require.NoError(t, err)
	err = flags.Set("log-level", "debug")
	require.NoError(t, err)
	err = flags.Set("api.port", "9999")
	require.NoError(t, err)
	err = flags.Set("storage.type", "postgres")
	require.NoError(t, err)

	// Load config
	cfg, err := Load(flags)
	require.NoError(t, err)

	// Flags should override YAML values
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "postgres", cfg.Storage.Type)
}

func TestLoad_Flags_AllPolicyOptions(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("policy.namespace", "ops")
	require.NoError(t, err)
	err = flags.Set("policy.configmap-name", "freeze-cfg")
	require.NoError(t, err)
	err = flags.Set("policy.schedules-configmap-name", "freeze-windows")
	require.NoError(t, err)
	err = flags.Set("policy.history-configmap-name", "freeze-log")
	require.NoError(t, err)
	err = flags.Set("policy.evaluation-timeout", "250ms")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "ops", cfg.Policy.Namespace)
	assert.Equal(t, "freeze-cfg", cfg.Policy.ConfigMapName)
	assert.Equal(t, "freeze-windows", cfg.Policy.SchedulesConfigMapName)
	assert.Equal(t, "freeze-log", cfg.Policy.HistoryConfigMapName)
	assert.Equal(t, 250*time.Millisecond, cfg.Policy.EvaluationTimeout)
}

func TestLoad_Flags_AllHistoryOptions(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("history.capacity", "2000")
	require.NoError(t, err)
	err = flags.Set("history.flush-enabled", "false")
	require.NoError(t, err)
	err = flags.Set("history.flush-interval", "10s")
	require.NoError(t, err)
	err = flags.Set("history.retention-days", "7")
	require.NoError(t, err)
	err = flags.Set("history.prune-interval", "4h")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.History.Capacity)
	assert.False(t, cfg.History.FlushEnabled)
	assert.Equal(t, 10*time.Second, cfg.History.FlushInterval)
	assert.Equal(t, 7, cfg.History.RetentionDays)
	assert.Equal(t, 4*time.Hour, cfg.History.PruneInterval)
}

func TestLoad_Flags_LeaderElection(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("leader-election.enabled", "true")
	require.NoError(t, err)
	err = flags.Set("leader-election.lease-duration", "30s")
	require.NoError(t, err)
	err = flags.Set("leader-election.renew-deadline", "25s")
	require.NoError(t, err)
	err = flags.Set("leader-election.retry-period", "5s")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.True(t, cfg.LeaderElection.Enabled)
	assert.Equal(t, 30*time.Second, cfg.LeaderElection.LeaseDuration)
	assert.Equal(t, 25*time.Second, cfg.LeaderElection.RenewDeadline)
	assert.Equal(t, 5*time.Second, cfg.LeaderElection.RetryPeriod)
}

// ============================================================================
// Environment Variable Tests
// ============================================================================

func TestLoad_Environment(t *testing.T) {
	// Set environment variables using t.Setenv which cleans up automatically
	t.Setenv("KUBEFREEZER_LOG_LEVEL", "warn")
	t.Setenv("KUBEFREEZER_STORAGE_TYPE", "postgres")
	t.Setenv("KUBEFREEZER_STORAGE_POSTGRES_HOST", "pg.example.com")
	t.Setenv("KUBEFREEZER_API_PORT", "8888")
	t.Setenv("KUBEFREEZER_HISTORY_RETENTION_DAYS", "45")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	cfg, err := Load(flags)
	require.NoError(t, err)

	// Environment variables should be respected
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "pg.example.com", cfg.Storage.PostgreSQL.Host)
	assert.Equal(t, 8888, cfg.API.Port)
	assert.Equal(t, 45, cfg.History.RetentionDays)
}

func TestLoad_Environment_OverridesYAML(t *testing.T) {
	// Create a YAML with some values
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log-level: info
storage:
  type: sqlite
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	// Set environment to override
	t.Setenv("KUBEFREEZER_LOG_LEVEL", "error")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	// Environment should override YAML
	assert.Equal(t, "error", cfg.LogLevel)
	// But YAML value for storage type should remain
	assert.Equal(t, "sqlite", cfg.Storage.Type)
}

// ============================================================================
// Storage Type Tests
// ============================================================================

func TestLoad_StorageTypes(t *testing.T) {
	tests := []struct {
		name        string
		storageType string
	}{
		{"sqlite", "sqlite"},
		{"postgres", "postgres"},
		{"mysql", "mysql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			BindFlags(flags)
			err := flags.Set("storage.type", tt.storageType)
			require.NoError(t, err)

			cfg, err := Load(flags)
			require.NoError(t, err)
			assert.Equal(t, tt.storageType, cfg.Storage.Type)
		})
	}
}

func TestLoad_StorageTypes_SQLite(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("storage.type", "sqlite")
	require.NoError(t, err)
	err = flags.Set("storage.sqlite.path", "/custom/path/freezer.db")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/custom/path/freezer.db", cfg.Storage.SQLite.Path)
}

func TestLoad_StorageTypes_PostgreSQL(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("storage.type", "postgres")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.host", "pg.cluster.local")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.port", "5433")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.database", "kube_freezer")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.username", "freezer_user")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.password", "freezer_pass")
	require.NoError(t, err)
	err = flags.Set("storage.postgres.ssl-mode", "verify-full")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "pg.cluster.local", cfg.Storage.PostgreSQL.Host)
	assert.Equal(t, 5433, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "kube_freezer", cfg.Storage.PostgreSQL.Database)
	assert.Equal(t, "freezer_user", cfg.Storage.PostgreSQL.Username)
	assert.Equal(t, "freezer_pass", cfg.Storage.PostgreSQL.Password)
	assert.Equal(t, "verify-full", cfg.Storage.PostgreSQL.SSLMode)
}

func TestLoad_StorageTypes_MySQL(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("storage.type", "mysql")
	require.NoError(t, err)
	err = flags.Set("storage.mysql.host", "mysql.cluster.local")
	require.NoError(t, err)
	err = flags.Set("storage.mysql.port", "3307")
	require.NoError(t, err)
	err = flags.Set("storage.mysql.database", "freezer_db")
	require.NoError(t, err)
	err = flags.Set("storage.mysql.username", "mysql_user")
	require.NoError(t, err)
	err = flags.Set("storage.mysql.password", "mysql_pass")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Storage.Type)
	assert.Equal(t, "mysql.cluster.local", cfg.Storage.MySQL.Host)
	assert.Equal(t, 3307, cfg.Storage.MySQL.Port)
	assert.Equal(t, "freezer_db", cfg.Storage.MySQL.Database)
	assert.Equal(t, "mysql_user", cfg.Storage.MySQL.Username)
	assert.Equal(t, "mysql_pass", cfg.Storage.MySQL.Password)
}

func TestLoad_CredentialsSecret(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("storage.credentials-secret.namespace", "kube-freezer")
	require.NoError(t, err)
	err = flags.Set("storage.credentials-secret.name", "db-credentials")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "kube-freezer", cfg.Storage.CredentialsSecret.Namespace)
	assert.Equal(t, "db-credentials", cfg.Storage.CredentialsSecret.Name)
}

// ============================================================================
// Log Level Tests
// ============================================================================

func TestLoad_LogLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			BindFlags(flags)
			err := flags.Set("log-level", level)
			require.NoError(t, err)

			cfg, err := Load(flags)
			require.NoError(t, err)
			assert.Equal(t, level, cfg.LogLevel)
		})
	}
}

// ============================================================================
// Config File Used Tests
// ============================================================================

func TestConfigFileUsed(t *testing.T) {
	// Create a temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "freezer-config.yaml")

	yamlContent := `log-level: debug`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	// Should report the config file path
	assert.Equal(t, configPath, cfg.ConfigFileUsed())
}

func TestConfigFileUsed_NoFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	cfg, err := Load(flags)
	require.NoError(t, err)

	// Should be empty when no config file is used
	assert.Equal(t, "", cfg.ConfigFileUsed())
}

// ============================================================================
// BindFlags Tests
// ============================================================================

func TestBindFlags_AllFlagsRegistered(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	// Check all expected flags exist
	expectedFlags := []string{
		"config",
		"log-level",
		"policy.namespace",
		"policy.configmap-name",
		"policy.schedules-configmap-name",
		"policy.history-configmap-name",
		"policy.evaluation-timeout",
		"storage.type",
		"storage.sqlite.path",
		"storage.postgres.host",
		"storage.postgres.port",
		"storage.postgres.database",
		"storage.postgres.username",
		"storage.postgres.password",
		"storage.postgres.ssl-mode",
		"storage.mysql.host",
		"storage.mysql.port",
		"storage.mysql.database",
		"storage.mysql.username",
		"storage.mysql.password",
		"storage.credentials-secret.namespace",
		"storage.credentials-secret.name",
		"storage.pool.max-idle-conns",
		"storage.pool.max-open-conns",
		"storage.pool.conn-max-lifetime",
		"storage.pool.conn-max-idle-time",
		"history.capacity",
		"history.flush-enabled",
		"history.flush-interval",
		"history.retention-days",
		"history.prune-interval",
		"exemptions.sweep-interval",
		"notifications.enabled",
		"notifications.max-per-minute",
		"notifications.burst",
		"api.enabled",
		"api.port",
		"api.auth-mode",
		"api.rate-limit-rps",
		"api.rate-limit-burst",
		"metrics.bind-address",
		"metrics.secure",
		"metrics.cert-path",
		"metrics.cert-name",
		"metrics.cert-key",
		"probes.bind-address",
		"leader-election.enabled",
		"leader-election.lease-duration",
		"leader-election.renew-deadline",
		"leader-election.retry-period",
		"webhook.port",
		"webhook.cert-path",
		"webhook.cert-name",
		"webhook.cert-key",
		"webhook.enable-http2",
	}

	for _, flagName := range expectedFlags {
		flag := flags.Lookup(flagName)
		assert.NotNil(t, flag, "Flag %s should be registered", flagName)
	}
}

// ============================================================================
// Complex Configuration Tests
// ============================================================================

func TestLoad_CompleteConfiguration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log-level: debug
policy:
  namespace: release-ops
  configmap-name: freeze-config
  schedules-configmap-name: freeze-schedules
  history-configmap-name: freeze-history
  evaluation-timeout: 1s
storage:
  type: postgres
  sqlite:
    path: /tmp/test.db
  postgres:
    host: db.example.com
    port: 5432
    database: freezer
    username: freezer
    password: secret
    ssl-mode: require
  mysql:
    host: mysql.example.com
    port: 3306
    database: freezer
    username: root
    password: root
  credentials-secret:
    namespace: release-ops
    name: db-creds
  pool:
    max-idle-conns: 4
    max-open-conns: 16
    conn-max-lifetime: 45m
    conn-max-idle-time: 15m
history:
  capacity: 750
  flush-enabled: true
  flush-interval: 2m
  retention-days: 21
  prune-interval: 6h
exemptions:
  sweep-interval: 10m
notifications:
  enabled: true
  max-per-minute: 25
  burst: 8
api:
  enabled: true
  port: 3000
  auth-mode: token-review
  rate-limit-rps: 50
  rate-limit-burst: 100
metrics:
  bind-address: ":9090"
  secure: false
  cert-path: /certs
  cert-name: metrics.crt
  cert-key: metrics.key
probes:
  bind-address: ":8082"
leader-election:
  enabled: true
  lease-duration: 20s
  renew-deadline: 15s
  retry-period: 3s
webhook:
  port: 9444
  cert-path: /webhook-certs
  cert-name: webhook.crt
  cert-key: webhook.key
  enable-http2: true
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	// Verify all values
	assert.Equal(t, "debug", cfg.LogLevel)

	// Policy
	assert.Equal(t, "release-ops", cfg.Policy.Namespace)
	assert.Equal(t, "freeze-config", cfg.Policy.ConfigMapName)
	assert.Equal(t, "freeze-schedules", cfg.Policy.SchedulesConfigMapName)
	assert.Equal(t, "freeze-history", cfg.Policy.HistoryConfigMapName)
	assert.Equal(t, 1*time.Second, cfg.Policy.EvaluationTimeout)

	// Storage
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "db.example.com", cfg.Storage.PostgreSQL.Host)
	assert.Equal(t, 5432, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "freezer", cfg.Storage.PostgreSQL.Database)
	assert.Equal(t, "freezer", cfg.Storage.PostgreSQL.Username)
	assert.Equal(t, "secret", cfg.Storage.PostgreSQL.Password)
	assert.Equal(t, "require", cfg.Storage.PostgreSQL.SSLMode)
	assert.Equal(t, "release-ops", cfg.Storage.CredentialsSecret.Namespace)
	assert.Equal(t, "db-creds", cfg.Storage.CredentialsSecret.Name)
	assert.Equal(t, 4, cfg.Storage.Pool.MaxIdleConns)
	assert.Equal(t, 16, cfg.Storage.Pool.MaxOpenConns)
	assert.Equal(t, 45*time.Minute, cfg.Storage.Pool.ConnMaxLifetime)
	assert.Equal(t, 15*time.Minute, cfg.Storage.Pool.ConnMaxIdleTime)

	// History
	assert.Equal(t, 750, cfg.History.Capacity)
	assert.True(t, cfg.History.FlushEnabled)
	assert.Equal(t, 2*time.Minute, cfg.History.FlushInterval)
	assert.Equal(t, 21, cfg.History.RetentionDays)
	assert.Equal(t, 6*time.Hour, cfg.History.PruneInterval)

	// Exemptions
	assert.Equal(t, 10*time.Minute, cfg.Exemptions.SweepInterval)

	// Notifications
	assert.True(t, cfg.Notifications.Enabled)
	assert.Equal(t, 25, cfg.Notifications.MaxPerMinute)
	assert.Equal(t, 8, cfg.Notifications.Burst)

	// API
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 3000, cfg.API.Port)
	assert.Equal(t, "token-review", cfg.API.AuthMode)
	assert.Equal(t, float64(50), cfg.API.RateLimitRPS)
	assert.Equal(t, 100, cfg.API.RateLimitBurst)

	// Metrics
	assert.Equal(t, ":9090", cfg.Metrics.BindAddress)
	assert.False(t, cfg.Metrics.Secure)
	assert.Equal(t, "/certs", cfg.Metrics.CertPath)
	assert.Equal(t, "metrics.crt", cfg.Metrics.CertName)
	assert.Equal(t, "metrics.key", cfg.Metrics.CertKey)

	// Probes
	assert.Equal(t, ":8082", cfg.Probes.BindAddress)

	// Leader election
	assert.True(t, cfg.LeaderElection.Enabled)
	assert.Equal(t, 20*time.Second, cfg.LeaderElection.LeaseDuration)
	assert.Equal(t, 15*time.Second, cfg.LeaderElection.RenewDeadline)
	assert.Equal(t, 3*time.Second, cfg.LeaderElection.RetryPeriod)

	// Webhook
	assert.Equal(t, 9444, cfg.Webhook.Port)
	assert.Equal(t, "/webhook-certs", cfg.Webhook.CertPath)
	assert.Equal(t, "webhook.crt", cfg.Webhook.CertName)
	assert.Equal(t, "webhook.key", cfg.Webhook.CertKey)
	assert.True(t, cfg.Webhook.EnableHTTP2)
}
