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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the operator
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// Policy configures where freeze policy and schedules are read from
	Policy PolicyConfig `mapstructure:"policy"`

	// Storage configuration for the durable event archive
	Storage StorageConfig `mapstructure:"storage"`

	// History configures the in-memory event ring and its persistence
	History HistoryConfig `mapstructure:"history"`

	// Exemptions configures temporary exemption housekeeping
	Exemptions ExemptionsConfig `mapstructure:"exemptions"`

	// Notifications for freeze and denial events
	Notifications NotificationsConfig `mapstructure:"notifications"`

	// API server configuration (REST management API)
	API APIConfig `mapstructure:"api"`

	// Metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Probes configuration
	Probes ProbesConfig `mapstructure:"probes"`

	// LeaderElection configuration
	LeaderElection LeaderElectionConfig `mapstructure:"leader-election"`

	// Webhook configuration
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// PolicyConfig configures the source of freeze policy
type PolicyConfig struct {
	// Namespace is where the policy ConfigMaps live
	Namespace string `mapstructure:"namespace" json:"namespace"`

	// ConfigMapName is the ConfigMap holding freeze settings
	ConfigMapName string `mapstructure:"configmap-name" json:"configMapName"`

	// SchedulesConfigMapName is the ConfigMap holding freeze schedules
	SchedulesConfigMapName string `mapstructure:"schedules-configmap-name" json:"schedulesConfigMapName"`

	// HistoryConfigMapName is the ConfigMap the event ring is flushed to
	HistoryConfigMapName string `mapstructure:"history-configmap-name" json:"historyConfigMapName"`

	// EvaluationTimeout bounds a single admission evaluation
	EvaluationTimeout time.Duration `mapstructure:"evaluation-timeout" json:"evaluationTimeout"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql)
	Type string `mapstructure:"type" json:"type"`

	// SQLite configuration
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite,omitempty"`

	// PostgreSQL configuration
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres" json:"postgres,omitempty"`

	// MySQL configuration
	MySQL MySQLConfig `mapstructure:"mysql" json:"mysql,omitempty"`

	// CredentialsSecret optionally references a Secret with username and
	// password keys, taking precedence over inline credentials
	CredentialsSecret SecretRef `mapstructure:"credentials-secret" json:"credentialsSecret,omitempty"`

	// Pool configures database connection pooling (ignored for sqlite)
	Pool PoolConfig `mapstructure:"pool" json:"pool,omitempty"`
}

// SQLiteConfig configures SQLite storage
type SQLiteConfig struct {
	// Path to database file
	Path string `mapstructure:"path" json:"path"`
}

// PostgreSQLConfig configures PostgreSQL storage
type PostgreSQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// SSLMode for connection
	SSLMode string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage
type MySQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`
}

// SecretRef references a Secret by namespace and name
type SecretRef struct {
	// Namespace of the Secret
	Namespace string `mapstructure:"namespace" json:"namespace,omitempty"`

	// Name of the Secret
	Name string `mapstructure:"name" json:"name,omitempty"`
}

// SecretKeyRef references a single key within a Secret
type SecretKeyRef struct {
	// Namespace of the Secret
	Namespace string `mapstructure:"namespace" json:"namespace,omitempty"`

	// Name of the Secret
	Name string `mapstructure:"name" json:"name,omitempty"`

	// Key within the Secret data
	Key string `mapstructure:"key" json:"key,omitempty"`
}

// PoolConfig configures database connection pooling
type PoolConfig struct {
	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `mapstructure:"max-idle-conns" json:"maxIdleConns"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `mapstructure:"max-open-conns" json:"maxOpenConns"`

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration `mapstructure:"conn-max-lifetime" json:"connMaxLifetime"`

	// ConnMaxIdleTime is how long a connection may sit idle
	ConnMaxIdleTime time.Duration `mapstructure:"conn-max-idle-time" json:"connMaxIdleTime"`
}

// HistoryConfig configures the in-memory event ring
type HistoryConfig struct {
	// Capacity is the number of events retained in memory
	Capacity int `mapstructure:"capacity" json:"capacity"`

	// FlushEnabled persists the ring to a ConfigMap for restart recovery
	FlushEnabled bool `mapstructure:"flush-enabled" json:"flushEnabled"`

	// FlushInterval is how often the ring is flushed
	FlushInterval time.Duration `mapstructure:"flush-interval" json:"flushInterval"`

	// RetentionDays is how long archived events are kept
	RetentionDays int `mapstructure:"retention-days" json:"retentionDays"`

	// PruneInterval is how often archived events past retention are removed
	PruneInterval time.Duration `mapstructure:"prune-interval" json:"pruneInterval"`
}

// ExemptionsConfig configures exemption housekeeping
type ExemptionsConfig struct {
	// SweepInterval is how often expired exemptions are evicted
	SweepInterval time.Duration `mapstructure:"sweep-interval" json:"sweepInterval"`
}

// NotificationsConfig configures event notifications
type NotificationsConfig struct {
	// Enabled turns on notification dispatch
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// MaxPerMinute across all channels
	MaxPerMinute int `mapstructure:"max-per-minute" json:"maxPerMinute"`

	// Burst allowed above the sustained rate
	Burst int `mapstructure:"burst" json:"burst"`

	// Channels to deliver notifications to
	Channels []ChannelConfig `mapstructure:"channels" json:"channels,omitempty"`
}

// ChannelConfig configures a single notification channel
type ChannelConfig struct {
	// Name identifies the channel in logs and errors
	Name string `mapstructure:"name" json:"name"`

	// Type is the channel type (slack, webhook)
	Type string `mapstructure:"type" json:"type"`

	// URL is the delivery endpoint (ignored when URLSecretRef is set)
	URL string `mapstructure:"url" json:"-"`

	// URLSecretRef references a Secret key holding the delivery endpoint
	URLSecretRef SecretKeyRef `mapstructure:"url-secret-ref" json:"urlSecretRef,omitempty"`

	// Channel overrides the Slack channel for slack-type channels
	Channel string `mapstructure:"channel" json:"channel,omitempty"`

	// Method is the HTTP method for webhook-type channels
	Method string `mapstructure:"method" json:"method,omitempty"`

	// Headers are added to webhook requests
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`

	// Template overrides the default payload template
	Template string `mapstructure:"template" json:"template,omitempty"`

	// MaxPerHour limits deliveries on this channel
	MaxPerHour int `mapstructure:"max-per-hour" json:"maxPerHour"`

	// Burst allowed above the sustained rate
	Burst int `mapstructure:"burst" json:"burst"`
}

// APIConfig configures the REST management API
type APIConfig struct {
	// Enabled turns on the API server
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Port for the API server
	Port int `mapstructure:"port" json:"port"`

	// AuthMode is the request authentication mode (none, token-review)
	AuthMode string `mapstructure:"auth-mode" json:"authMode"`

	// RateLimitRPS is the sustained request rate across all clients
	RateLimitRPS float64 `mapstructure:"rate-limit-rps" json:"rateLimitRPS"`

	// RateLimitBurst is the burst allowed above the sustained rate
	RateLimitBurst int `mapstructure:"rate-limit-burst" json:"rateLimitBurst"`
}

// MetricsConfig configures the metrics server
type MetricsConfig struct {
	// BindAddress is the address to bind to (use 0 to disable)
	BindAddress string `mapstructure:"bind-address"`

	// Secure enables HTTPS for metrics
	Secure bool `mapstructure:"secure"`

	// CertPath is the directory containing TLS certificates
	CertPath string `mapstructure:"cert-path"`

	// CertName is the certificate file name
	CertName string `mapstructure:"cert-name"`

	// CertKey is the key file name
	CertKey string `mapstructure:"cert-key"`
}

// ProbesConfig configures health probes
type ProbesConfig struct {
	// BindAddress is the address for health probes
	BindAddress string `mapstructure:"bind-address"`
}

// LeaderElectionConfig configures leader election
type LeaderElectionConfig struct {
	// Enabled turns on leader election
	Enabled bool `mapstructure:"enabled"`

	// LeaseDuration is the leader lease duration
	LeaseDuration time.Duration `mapstructure:"lease-duration"`

	// RenewDeadline is the leader renew deadline
	RenewDeadline time.Duration `mapstructure:"renew-deadline"`

	// RetryPeriod is the leader retry period
	RetryPeriod time.Duration `mapstructure:"retry-period"`
}

// WebhookConfig configures the admission webhook server
type WebhookConfig struct {
	// Port for the webhook server
	Port int `mapstructure:"port"`

	// CertPath is the directory containing webhook TLS certificates
	CertPath string `mapstructure:"cert-path"`

	// CertName is the certificate file name
	CertName string `mapstructure:"cert-name"`

	// CertKey is the key file name
	CertKey string `mapstructure:"cert-key"`

	// EnableHTTP2 enables HTTP/2 for the webhook server
	EnableHTTP2 bool `mapstructure:"enable-http2"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Policy: PolicyConfig{
			Namespace:              "kube-freezer",
			ConfigMapName:          "kube-freezer-config",
			SchedulesConfigMapName: "kube-freezer-schedules",
			HistoryConfigMapName:   "kube-freezer-history",
			EvaluationTimeout:      500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/data/kube-freezer.db",
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
			Pool: PoolConfig{
				MaxIdleConns:    5,
				MaxOpenConns:    20,
				ConnMaxLifetime: 1 * time.Hour,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		History: HistoryConfig{
			Capacity:      1000,
			FlushEnabled:  true,
			FlushInterval: 1 * time.Minute,
			RetentionDays: 30,
			PruneInterval: 1 * time.Hour,
		},
		Exemptions: ExemptionsConfig{
			SweepInterval: 5 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Enabled:      false,
			MaxPerMinute: 50,
			Burst:        10,
		},
		API: APIConfig{
			Enabled:        true,
			Port:           8080,
			AuthMode:       "token-review",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Metrics: MetricsConfig{
			BindAddress: "0",
			Secure:      true,
			CertName:    "tls.crt",
			CertKey:     "tls.key",
		},
		Probes: ProbesConfig{
			BindAddress: ":8081",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:       false,
			LeaseDuration: 15 * time.Second,
			RenewDeadline: 10 * time.Second,
			RetryPeriod:   2 * time.Second,
		},
		Webhook: WebhookConfig{
			Port:        9443,
			CertName:    "tls.crt",
			CertKey:     "tls.key",
			EnableHTTP2: false,
		},
	}
}

// BindFlags binds configuration flags to pflags
func BindFlags(flags *pflag.FlagSet) {
	// Top-level
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	// Policy source
	flags.String("policy.namespace", "kube-freezer", "Namespace holding the policy ConfigMaps")
	flags.String("policy.configmap-name", "kube-freezer-config", "ConfigMap with freeze settings")
	flags.String("policy.schedules-configmap-name", "kube-freezer-schedules", "ConfigMap with freeze schedules")
	flags.String("policy.history-configmap-name", "kube-freezer-history", "ConfigMap the event ring is flushed to")
	flags.Duration("policy.evaluation-timeout", 500*time.Millisecond, "Upper bound for a single admission evaluation")

	// Storage
	flags.String("storage.type", "sqlite", "Storage backend type (sqlite, postgres, mysql)")
	flags.String("storage.sqlite.path", "/data/kube-freezer.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")
	flags.String("storage.credentials-secret.namespace", "", "Namespace of Secret with database credentials")
	flags.String("storage.credentials-secret.name", "", "Name of Secret with database credentials (username and password keys)")
	flags.Int("storage.pool.max-idle-conns", 5, "Maximum idle database connections")
	flags.Int("storage.pool.max-open-conns", 20, "Maximum open database connections")
	flags.Duration("storage.pool.conn-max-lifetime", 1*time.Hour, "Maximum database connection lifetime")
	flags.Duration("storage.pool.conn-max-idle-time", 10*time.Minute, "Maximum database connection idle time")

	// History
	flags.Int("history.capacity", 1000, "Number of events retained in the in-memory ring")
	flags.Bool("history.flush-enabled", true, "Persist the event ring to a ConfigMap for restart recovery")
	flags.Duration("history.flush-interval", 1*time.Minute, "How often the event ring is flushed")
	flags.Int("history.retention-days", 30, "How long archived events are kept")
	flags.Duration("history.prune-interval", 1*time.Hour, "How often archived events past retention are removed")

	// Exemptions
	flags.Duration("exemptions.sweep-interval", 5*time.Minute, "How often expired exemptions are evicted")

	// Notifications
	flags.Bool("notifications.enabled", false, "Enable notification dispatch")
	flags.Int("notifications.max-per-minute", 50, "Maximum notifications per minute across all channels")
	flags.Int("notifications.burst", 10, "Notification burst allowed above the sustained rate")

	// API server
	flags.Bool("api.enabled", true, "Enable the REST management API")
	flags.Int("api.port", 8080, "API server port")
	flags.String("api.auth-mode", "token-review", "API authentication mode (none, token-review)")
	flags.Float64("api.rate-limit-rps", 10, "API sustained request rate across all clients")
	flags.Int("api.rate-limit-burst", 20, "API request burst allowed above the sustained rate")

	// Metrics
	flags.String("metrics.bind-address", "0", "Metrics endpoint bind address (0 to disable)")
	flags.Bool("metrics.secure", true, "Enable HTTPS for metrics")
	flags.String("metrics.cert-path", "", "Path to metrics TLS certificate directory")
	flags.String("metrics.cert-name", "tls.crt", "Metrics TLS certificate file name")
	flags.String("metrics.cert-key", "tls.key", "Metrics TLS key file name")

	// Probes
	flags.String("probes.bind-address", ":8081", "Health probes bind address")

	// Leader election
	flags.Bool("leader-election.enabled", false, "Enable leader election")
	flags.Duration("leader-election.lease-duration", 15*time.Second, "Leader lease duration")
	flags.Duration("leader-election.renew-deadline", 10*time.Second, "Leader renew deadline")
	flags.Duration("leader-election.retry-period", 2*time.Second, "Leader retry period")

	// Webhook
	flags.Int("webhook.port", 9443, "Admission webhook server port")
	flags.String("webhook.cert-path", "", "Path to webhook TLS certificate directory")
	flags.String("webhook.cert-name", "tls.crt", "Webhook TLS certificate file name")
	flags.String("webhook.cert-key", "tls.key", "Webhook TLS key file name")
	flags.Bool("webhook.enable-http2", false, "Enable HTTP/2 for webhook server")
}

// Load loads configuration from flags, environment, and config file
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults from DefaultConfig
	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("policy.namespace", defaults.Policy.Namespace)
	v.SetDefault("policy.configmap-name", defaults.Policy.ConfigMapName)
	v.SetDefault("policy.schedules-configmap-name", defaults.Policy.SchedulesConfigMapName)
	v.SetDefault("policy.history-configmap-name", defaults.Policy.HistoryConfigMapName)
	v.SetDefault("policy.evaluation-timeout", defaults.Policy.EvaluationTimeout)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.PostgreSQL.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.PostgreSQL.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("storage.pool.max-idle-conns", defaults.Storage.Pool.MaxIdleConns)
	v.SetDefault("storage.pool.max-open-conns", defaults.Storage.Pool.MaxOpenConns)
	v.SetDefault("storage.pool.conn-max-lifetime", defaults.Storage.Pool.ConnMaxLifetime)
	v.SetDefault("storage.pool.conn-max-idle-time", defaults.Storage.Pool.ConnMaxIdleTime)
	v.SetDefault("history.capacity", defaults.History.Capacity)
	v.SetDefault("history.flush-enabled", defaults.History.FlushEnabled)
	v.SetDefault("history.flush-interval", defaults.History.FlushInterval)
	v.SetDefault("history.retention-days", defaults.History.RetentionDays)
	v.SetDefault("history.prune-interval", defaults.History.PruneInterval)
	v.SetDefault("exemptions.sweep-interval", defaults.Exemptions.SweepInterval)
	v.SetDefault("notifications.enabled", defaults.Notifications.Enabled)
	v.SetDefault("notifications.max-per-minute", defaults.Notifications.MaxPerMinute)
	v.SetDefault("notifications.burst", defaults.Notifications.Burst)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.port", defaults.API.Port)
	v.SetDefault("api.auth-mode", defaults.API.AuthMode)
	v.SetDefault("api.rate-limit-rps", defaults.API.RateLimitRPS)
	v.SetDefault("api.rate-limit-burst", defaults.API.RateLimitBurst)
	v.SetDefault("metrics.bind-address", defaults.Metrics.BindAddress)
	v.SetDefault("metrics.secure", defaults.Metrics.Secure)
	v.SetDefault("metrics.cert-name", defaults.Metrics.CertName)
	v.SetDefault("metrics.cert-key", defaults.Metrics.CertKey)
	v.SetDefault("probes.bind-address", defaults.Probes.BindAddress)
	v.SetDefault("leader-election.enabled", defaults.LeaderElection.Enabled)
	v.SetDefault("leader-election.lease-duration", defaults.LeaderElection.LeaseDuration)
	v.SetDefault("leader-election.renew-deadline", defaults.LeaderElection.RenewDeadline)
	v.SetDefault("leader-election.retry-period", defaults.LeaderElection.RetryPeriod)
	v.SetDefault("webhook.port", defaults.Webhook.Port)
	v.SetDefault("webhook.cert-name", defaults.Webhook.CertName)
	v.SetDefault("webhook.cert-key", defaults.Webhook.CertKey)
	v.SetDefault("webhook.enable-http2", defaults.Webhook.EnableHTTP2)

	// Bind flags
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	// Environment variables
	v.SetEnvPrefix("KUBEFREEZER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Config file
	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		// Try default locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/kube-freezer")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// Ignore error if no config file found - will use defaults
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store which config file was used (empty string if none)
	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}
