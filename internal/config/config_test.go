package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Chain.StartBlock != 50_000_000 {
		t.Errorf("StartBlock = %d, want 50000000", cfg.Chain.StartBlock)
	}
	if cfg.Chain.ConditionalTokensAddress != DefaultConditionalTokensAddress {
		t.Errorf("ConditionalTokensAddress = %s", cfg.Chain.ConditionalTokensAddress)
	}
	if cfg.Indexer.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Indexer.BatchSize)
	}
	if cfg.IndexInterval() != 5*time.Minute {
		t.Errorf("IndexInterval = %v, want 5m", cfg.IndexInterval())
	}
	if cfg.Database.QueryTimeout != 60*time.Second {
		t.Errorf("QueryTimeout = %v, want 60s", cfg.Database.QueryTimeout)
	}
	if cfg.Retention.PriceHistoryDays != 90 || cfg.Retention.EventLogDays != 30 {
		t.Errorf("retention = %d/%d, want 90/30",
			cfg.Retention.PriceHistoryDays, cfg.Retention.EventLogDays)
	}
	if cfg.Indexer.TriggerImmediate {
		t.Error("TriggerImmediate should default to false")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BATCH_SIZE", "500")
	t.Setenv("INDEXER_INTERVAL_MINUTES", "2")
	t.Setenv("TRIGGER_IMMEDIATE", "true")
	t.Setenv("POLYGON_RPC_URL", "https://rpc.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Indexer.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.Indexer.BatchSize)
	}
	if cfg.IndexInterval() != 2*time.Minute {
		t.Errorf("IndexInterval = %v, want 2m", cfg.IndexInterval())
	}
	if !cfg.Indexer.TriggerImmediate {
		t.Error("TriggerImmediate not picked up from env")
	}
	if cfg.Chain.RPCURL != "https://rpc.example.com" {
		t.Errorf("RPCURL = %s", cfg.Chain.RPCURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad database scheme", func(c *Config) { c.Database.URL = "mysql://x" }, "DATABASE_URL"},
		{"bad redis scheme", func(c *Config) { c.Redis.URL = "http://localhost" }, "REDIS_URL"},
		{"bad rpc url", func(c *Config) { c.Chain.RPCURL = "ftp://node" }, "POLYGON_RPC_URL"},
		{"short contract address", func(c *Config) { c.Chain.CTFExchangeAddress = "0x123" }, "CTF_EXCHANGE_ADDRESS"},
		{"non-hex contract address", func(c *Config) {
			c.Chain.ConditionalTokensAddress = "0xZZ97DCd97eC945f40cF65F87097ACe5EA0476045"
		}, "CONDITIONAL_TOKENS_ADDRESS"},
		{"interval too small", func(c *Config) { c.Indexer.IntervalMinutes = 0 }, "INDEXER_INTERVAL_MINUTES"},
		{"interval too large", func(c *Config) { c.Indexer.IntervalMinutes = 61 }, "INDEXER_INTERVAL_MINUTES"},
		{"batch too small", func(c *Config) { c.Indexer.BatchSize = 0 }, "BATCH_SIZE"},
		{"batch too large", func(c *Config) { c.Indexer.BatchSize = 10_001 }, "BATCH_SIZE"},
		{"zero retries", func(c *Config) { c.Chain.MaxRetryAttempts = 0 }, "MAX_RETRY_ATTEMPTS"},
		{"zero pool", func(c *Config) { c.Database.PoolSize = 0 }, "CONNECTION_POOL_SIZE"},
		{"zero query timeout", func(c *Config) { c.Database.QueryTimeout = 0 }, "QUERY_TIMEOUT"},
		{"zero price retention", func(c *Config) { c.Retention.PriceHistoryDays = 0 }, "PRICE_HISTORY_RETENTION_DAYS"},
		{"zero event retention", func(c *Config) { c.Retention.EventLogDays = 0 }, "EVENT_LOG_RETENTION_DAYS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error = %q, want mention of %s", err, tc.wantSub)
			}
		})
	}
}
