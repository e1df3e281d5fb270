package config

import (
	"time"

	redisclient "github.com/vietddude/keywatcher/internal/infra/redis"
	"github.com/vietddude/keywatcher/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chain    ChainConfig        `yaml:"chain"`
	Keys     KeysConfig         `yaml:"keys"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the followed chain and registry contract.
type ChainConfig struct {
	Name            string           `yaml:"name"`
	RegistryAddress string           `yaml:"registry_address"`
	KeepDepth       uint64           `yaml:"keep_depth"`
	PollInterval    time.Duration    `yaml:"poll_interval"`
	RPCTimeout      time.Duration    `yaml:"rpc_timeout"`
	RPCMaxAttempts  int              `yaml:"rpc_max_attempts"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// KeysConfig tunes the key fetch pipeline.
type KeysConfig struct {
	PageSize         uint64        `yaml:"page_size"`
	MaxRetries       int           `yaml:"max_retries"` // per page
	RetryDelay       time.Duration `yaml:"retry_delay"`
	AwaitInterval    time.Duration `yaml:"await_interval"`
	MaxJobRetries    int           `yaml:"max_job_retries"` // recovery attempts per failed job
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	AutoBatchSize    bool          `yaml:"auto_batch_size"`
	BatchSizeLow     uint64        `yaml:"batch_size_low"`
	BatchSizeHigh    uint64        `yaml:"batch_size_high"`
}
