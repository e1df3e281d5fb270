package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding ${ENV} references first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	c := &cfg.Chain
	if c.Name == "" {
		c.Name = "ethereum"
	}
	if c.KeepDepth == 0 {
		c.KeepDepth = 11
	}
	if c.PollInterval == 0 {
		c.PollInterval = 12 * time.Second
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 30 * time.Second
	}
	if c.RPCMaxAttempts == 0 {
		c.RPCMaxAttempts = 5
	}
	for i := range c.Providers {
		if c.Providers[i].Name == "" {
			c.Providers[i].Name = fmt.Sprintf("provider-%d", i)
		}
	}

	k := &cfg.Keys
	if k.PageSize == 0 {
		k.PageSize = 100
	}
	if k.MaxRetries == 0 {
		k.MaxRetries = 3
	}
	if k.RetryDelay == 0 {
		k.RetryDelay = time.Second
	}
	if k.AwaitInterval == 0 {
		k.AwaitInterval = 500 * time.Millisecond
	}
	if k.MaxJobRetries == 0 {
		k.MaxJobRetries = 5
	}
	if k.RecoveryInterval == 0 {
		k.RecoveryInterval = 10 * time.Second
	}
	if k.FetchConcurrency == 0 {
		k.FetchConcurrency = 4
	}
	if k.BatchSizeLow == 0 {
		k.BatchSizeLow = 1
	}
	if k.BatchSizeHigh == 0 {
		k.BatchSizeHigh = 1000
	}
}

// Validate rejects configurations the indexer cannot start with.
func (c *AppConfig) Validate() error {
	if len(c.Chain.Providers) == 0 {
		return fmt.Errorf("chain.providers: at least one rpc provider is required")
	}
	for i, p := range c.Chain.Providers {
		if p.URL == "" {
			return fmt.Errorf("chain.providers[%d]: url is required", i)
		}
	}
	if c.Chain.RegistryAddress == "" {
		return fmt.Errorf("chain.registry_address is required")
	}
	if c.Keys.BatchSizeLow > c.Keys.BatchSizeHigh {
		return fmt.Errorf("keys.batch_size_low %d exceeds batch_size_high %d",
			c.Keys.BatchSizeLow, c.Keys.BatchSizeHigh)
	}
	return nil
}
