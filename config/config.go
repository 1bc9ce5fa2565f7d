// Package config loads the daemon configuration from the environment, with a
// .env file overlay for development.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	sub402 "github.com/sub402/sub402-go"
)

// Config is the sub402d daemon configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// ChainID and VerifyingContract pin the typed-data domain to one
	// deployment.
	ChainID           int64
	VerifyingContract string

	// Recipient is the address payments are made out to, advertised in
	// every 402 challenge.
	Recipient string

	// FacilitatorURL is the external settlement service. Empty disables
	// settlement; charges are admitted on local verification alone.
	FacilitatorURL string

	// ChallengeWindow is how long a signed header stays acceptable.
	ChallengeWindow time.Duration

	// ResourceKey encrypts plan resource locators at rest. Hex, 32 bytes
	// once decoded; empty stores locators in the clear.
	ResourceKey []byte

	// DatabaseDSN selects the Postgres store. Empty runs in memory.
	DatabaseDSN string

	// SweepSpec is the billing sweep cron expression.
	SweepSpec string

	// LogLevel is debug, info, warn or error.
	LogLevel string
}

// Load reads the configuration. A missing .env file is not an error; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ListenAddr:        getEnv("SUB402_LISTEN_ADDR", ":8080"),
		VerifyingContract: getEnv("SUB402_VERIFYING_CONTRACT", ""),
		Recipient:         getEnv("SUB402_RECIPIENT", ""),
		FacilitatorURL:    getEnv("SUB402_FACILITATOR_URL", ""),
		DatabaseDSN:       getEnv("SUB402_DATABASE_DSN", ""),
		SweepSpec:         getEnv("SUB402_SWEEP_SPEC", "*/5 * * * *"),
		LogLevel:          getEnv("SUB402_LOG_LEVEL", "info"),
	}

	chainID, err := getEnvInt64("SUB402_CHAIN_ID", 84532)
	if err != nil {
		return nil, err
	}
	cfg.ChainID = chainID

	windowSeconds, err := getEnvInt64("SUB402_CHALLENGE_WINDOW_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.ChallengeWindow = time.Duration(windowSeconds) * time.Second

	if keyHex := getEnv("SUB402_RESOURCE_KEY", ""); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: SUB402_RESOURCE_KEY is not hex", sub402.ErrInvalidKey)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: SUB402_RESOURCE_KEY must decode to 32 bytes", sub402.ErrInvalidKey)
		}
		cfg.ResourceKey = key
	}

	if cfg.Recipient == "" {
		return nil, fmt.Errorf("SUB402_RECIPIENT is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
