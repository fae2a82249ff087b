// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// IndexerConfig points at the governance indexer HTTP API
type IndexerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryWaitTime  time.Duration `mapstructure:"retry_wait_time"`
}

// EndpointConfig describes one ledger RPC client handle
type EndpointConfig struct {
	NodeURL        string        `mapstructure:"node_url"`
	BackupNodes    []string      `mapstructure:"backup_nodes"`
	NetworkID      int           `mapstructure:"network_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// LedgerConfig contains the two ledger client handles and RPC pacing
type LedgerConfig struct {
	General           EndpointConfig `mapstructure:"general"`
	Holder            EndpointConfig `mapstructure:"holder"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	Burst             int            `mapstructure:"burst"`
	// FromBlock bounds full vote-history scans.
	FromBlock uint64 `mapstructure:"from_block"`
	// RegistryAddress is the contract that deploys organizations.
	RegistryAddress string `mapstructure:"registry_address"`
}

// StorageConfig contains pending-entry and checkpoint store configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres, redis, memory
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
}

// ReconcileConfig tunes the reconciliation engine
type ReconcileConfig struct {
	FreshnessTolerance time.Duration `mapstructure:"freshness_tolerance"`
	QueryRetryAttempts int           `mapstructure:"query_retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	PendingConcurrency int           `mapstructure:"pending_concurrency"`
	OverridesFile      string        `mapstructure:"overrides_file"`
}

// ListConfig is an allow/deny address list
type ListConfig struct {
	Allowed []string `mapstructure:"allowed"`
	Blocked []string `mapstructure:"blocked"`
}

// WhitelistConfig holds the policies for organizations and proposals
type WhitelistConfig struct {
	Organizations ListConfig `mapstructure:"organizations"`
	Proposals     ListConfig `mapstructure:"proposals"`
}

// SchedulerConfig holds refresh cadence and trust windows per query type
type SchedulerConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	CollectionInterval    time.Duration `mapstructure:"collection_interval"`
	CollectionStaleTime   time.Duration `mapstructure:"collection_stale_time"`
	OrganizationInterval  time.Duration `mapstructure:"organization_interval"`
	OrganizationStaleTime time.Duration `mapstructure:"organization_stale_time"`
	ProposalInterval      time.Duration `mapstructure:"proposal_interval"`
	ProposalStaleTime     time.Duration `mapstructure:"proposal_stale_time"`
	WatchOrganizations    []string      `mapstructure:"watch_organizations"`
	WatchProposals        []string      `mapstructure:"watch_proposals"`
	QueryTimeout          time.Duration `mapstructure:"query_timeout"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("DAO_RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if nodeURL := os.Getenv("LEDGER_NODE_URL"); nodeURL != "" {
		config.Ledger.General.NodeURL = nodeURL
	}
	if indexerURL := os.Getenv("INDEXER_URL"); indexerURL != "" {
		config.Indexer.BaseURL = indexerURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if config.Ledger.Holder.NodeURL == "" {
		config.Ledger.Holder = config.Ledger.General
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dao-reconciler")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("indexer.base_url", "http://localhost:3000")
	v.SetDefault("indexer.request_timeout", "10s")
	v.SetDefault("indexer.retry_count", 0)
	v.SetDefault("indexer.retry_wait_time", "500ms")

	v.SetDefault("ledger.general.node_url", "http://localhost:8545")
	v.SetDefault("ledger.general.network_id", 0)
	v.SetDefault("ledger.general.request_timeout", "30s")
	v.SetDefault("ledger.general.retry_attempts", 3)
	v.SetDefault("ledger.general.retry_delay", "2s")
	v.SetDefault("ledger.requests_per_second", 10)
	v.SetDefault("ledger.burst", 5)
	v.SetDefault("ledger.from_block", 0)
	v.SetDefault("ledger.registry_address", "")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/reconciler.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.key_prefix", "dao-reconciler")

	v.SetDefault("reconcile.freshness_tolerance", "0s")
	v.SetDefault("reconcile.query_retry_attempts", 3)
	v.SetDefault("reconcile.retry_delay", "1s")
	v.SetDefault("reconcile.pending_concurrency", 8)
	v.SetDefault("reconcile.overrides_file", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.collection_interval", "1m")
	v.SetDefault("scheduler.collection_stale_time", "30s")
	v.SetDefault("scheduler.organization_interval", "1m")
	v.SetDefault("scheduler.organization_stale_time", "1m")
	v.SetDefault("scheduler.proposal_interval", "30s")
	v.SetDefault("scheduler.proposal_stale_time", "10s")
	v.SetDefault("scheduler.query_timeout", "60s")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Indexer.BaseURL == "" {
		return fmt.Errorf("indexer base URL is required")
	}
	if c.Ledger.General.NodeURL == "" {
		return fmt.Errorf("ledger node URL is required")
	}
	if c.Ledger.RegistryAddress != "" && !common.IsHexAddress(c.Ledger.RegistryAddress) {
		return fmt.Errorf("ledger registry address is not a valid address")
	}
	if c.Storage.Type != "memory" && c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Reconcile.QueryRetryAttempts <= 0 {
		return fmt.Errorf("reconcile query retry attempts must be positive")
	}
	if c.Reconcile.PendingConcurrency <= 0 {
		return fmt.Errorf("reconcile pending concurrency must be positive")
	}
	if c.Reconcile.FreshnessTolerance < 0 {
		return fmt.Errorf("reconcile freshness tolerance must not be negative")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.CollectionInterval <= 0 || c.Scheduler.OrganizationInterval <= 0 || c.Scheduler.ProposalInterval <= 0 {
			return fmt.Errorf("scheduler intervals must be positive")
		}
	}
	return nil
}
