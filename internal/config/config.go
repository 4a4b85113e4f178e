package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Platform struct {
		FeePercent int64  `json:"feePercent"`
		Treasury   string `json:"treasury"`
		Operator   string `json:"operator"`
	} `json:"platform"`
	Secrets struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
	Events struct {
		LogSize int `json:"logSize"`
	} `json:"events"`
}

// AppConfig ties together seed values and derived service settings.
type AppConfig struct {
	Seed     SeedConfig
	Service  ServiceConfig
	Database DatabaseConfig

	Treasury common.Address
	Operator common.Address
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	EventLogSize         int
}

type DatabaseConfig struct {
	PostgresDSN string
}

const defaultSeedPath = "seed.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	if seedCfg.Platform.FeePercent < 0 || seedCfg.Platform.FeePercent > 100 {
		return nil, fmt.Errorf("feePercent out of range: %d", seedCfg.Platform.FeePercent)
	}
	if !common.IsHexAddress(seedCfg.Platform.Treasury) {
		return nil, fmt.Errorf("invalid treasury address: %q", seedCfg.Platform.Treasury)
	}
	if !common.IsHexAddress(seedCfg.Platform.Operator) {
		return nil, fmt.Errorf("invalid operator address: %q", seedCfg.Platform.Operator)
	}

	idemWindow := seedCfg.Timeouts.IdempotencyWindowSecs
	if idemWindow <= 0 {
		idemWindow = 600
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(idemWindow) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "hashink-idem.json")),
		EventLogSize:         seedCfg.Events.LogSize,
	}

	dbCfg := DatabaseConfig{
		PostgresDSN: envOr("POSTGRES_DSN", ""),
	}

	return &AppConfig{
		Seed:     *seedCfg,
		Service:  serviceCfg,
		Database: dbCfg,
		Treasury: common.HexToAddress(seedCfg.Platform.Treasury),
		Operator: common.HexToAddress(seedCfg.Platform.Operator),
	}, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
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
