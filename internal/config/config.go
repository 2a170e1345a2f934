package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileConfig models config.json.
type FileConfig struct {
	Chain struct {
		ChainID           int64  `json:"chainId"`
		RPCURL            string `json:"rpcUrl"`
		ContractMarket    string `json:"contractMarket"`
		FeePremiumBps     uint64 `json:"feePremiumBps"`
		MaxFeeAttempts    int    `json:"maxFeeAttempts"`
		ConfirmationDepth uint64 `json:"confirmationDepth"`
		MinConfirmations  uint64 `json:"minConfirmations"`
	} `json:"chain"`
	Escrow struct {
		HoldingPeriodSecs int64  `json:"holdingPeriodSeconds"`
		Operator          string `json:"operator"`
	} `json:"escrow"`
	Content struct {
		PinningEndpoint string `json:"pinningEndpoint"`
	} `json:"content"`
	Scanner struct {
		PollIntervalMs int `json:"pollIntervalMs"`
	} `json:"scanner"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Secrets struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
}

// RetryConfig is the derived retry policy.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type ServiceConfig struct {
	HTTPPort      int
	HMACClockSkew time.Duration
}

type ChainConfig struct {
	RPCURL            string
	PrivateKey        string
	ContractMarket    string
	FeePremiumBps     uint64
	MaxFeeAttempts    int
	ConfirmationDepth uint64
	MinConfirmations  uint64
}

type StorageConfig struct {
	PostgresDSN string
}

type ContentConfig struct {
	PinningEndpoint string
	PinningToken    string
}

type EscrowConfig struct {
	HoldingPeriod time.Duration
	Operator      string
}

type ScannerConfig struct {
	PollInterval time.Duration
}

// AppConfig ties together file values, environment overrides and derived
// durations. No process-wide singleton: main constructs one and injects it.
type AppConfig struct {
	File    FileConfig
	Service ServiceConfig
	Chain   ChainConfig
	Storage StorageConfig
	Content ContentConfig
	Escrow  EscrowConfig
	Scanner ScannerConfig
	Retry   RetryConfig
}

const defaultConfigPath = "config.json"

// Load aggregates configuration from disk and environment. Secrets (private
// key, pinning token, DSN) come from the environment only.
func Load() (*AppConfig, error) {
	path := envOr("CONFIG_PATH", defaultConfigPath)

	fileCfg, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	holding := time.Duration(fileCfg.Escrow.HoldingPeriodSecs) * time.Second
	if holding <= 0 {
		holding = 7 * 24 * time.Hour
	}

	pollInterval := time.Duration(fileCfg.Scanner.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	cfg := &AppConfig{
		File: *fileCfg,
		Service: ServiceConfig{
			HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
			HMACClockSkew: time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:            envOr("CHAIN_RPC_URL", fileCfg.Chain.RPCURL),
			PrivateKey:        envOr("CHAIN_PRIVATE_KEY", ""),
			ContractMarket:    envOr("CONTRACT_MARKET", fileCfg.Chain.ContractMarket),
			FeePremiumBps:     fileCfg.Chain.FeePremiumBps,
			MaxFeeAttempts:    fileCfg.Chain.MaxFeeAttempts,
			ConfirmationDepth: fileCfg.Chain.ConfirmationDepth,
			MinConfirmations:  fileCfg.Chain.MinConfirmations,
		},
		Storage: StorageConfig{
			PostgresDSN: envOr("CATALOG_POSTGRES_DSN", ""),
		},
		Content: ContentConfig{
			PinningEndpoint: envOr("PINNING_ENDPOINT", fileCfg.Content.PinningEndpoint),
			PinningToken:    envOr("PINNING_TOKEN", ""),
		},
		Escrow: EscrowConfig{
			HoldingPeriod: holding,
			Operator:      fileCfg.Escrow.Operator,
		},
		Scanner: ScannerConfig{
			PollInterval: pollInterval,
		},
		Retry: RetryConfig{
			MaxAttempts:       fileCfg.Retry.MaxAttempts,
			InitialBackoff:    time.Duration(fileCfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(fileCfg.Retry.MaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: fileCfg.Retry.BackoffMultiplier,
		},
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
