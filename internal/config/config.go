package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every injected dependency of the service: listen
// address, store path, chain bindings and signing keys. No process-wide
// singletons; the whole struct is passed at construction.
type Config struct {
	ListenAddr   string
	DatabasePath string

	SessionTTL time.Duration

	// Settlement signer
	HouseKeyHex    string
	ChainID        int64
	WalletContract string
	DeadlineWindow time.Duration

	// Gasless relay; RPCURL empty disables relaying and every gasless
	// request degrades to the direct path.
	RPCURL         string
	RelayerKeyHex  string
	ForwarderAddr  string
	ConfirmTimeout time.Duration
}

// Load reads configuration from the environment, with a .env file as a
// convenience in development.
func Load() (*Config, error) {
	// No .env file is fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     getEnv("CASINO_LISTEN_ADDR", ":8080"),
		DatabasePath:   getEnv("CASINO_DB_PATH", "casino.db"),
		SessionTTL:     getDuration("CASINO_SESSION_TTL", 5*time.Minute),
		HouseKeyHex:    os.Getenv("CASINO_HOUSE_KEY"),
		WalletContract: os.Getenv("CASINO_WALLET_CONTRACT"),
		DeadlineWindow: getDuration("CASINO_WITHDRAWAL_DEADLINE", 15*time.Minute),
		RPCURL:         os.Getenv("CASINO_RPC_URL"),
		RelayerKeyHex:  os.Getenv("CASINO_RELAYER_KEY"),
		ForwarderAddr:  os.Getenv("CASINO_FORWARDER_ADDR"),
		ConfirmTimeout: getDuration("CASINO_CONFIRM_TIMEOUT", 90*time.Second),
	}

	chainID, err := strconv.ParseInt(getEnv("CASINO_CHAIN_ID", "1"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CASINO_CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	if cfg.HouseKeyHex == "" {
		return nil, fmt.Errorf("CASINO_HOUSE_KEY is required")
	}
	if cfg.WalletContract == "" {
		return nil, fmt.Errorf("CASINO_WALLET_CONTRACT is required")
	}
	if cfg.RPCURL != "" {
		if cfg.RelayerKeyHex == "" {
			return nil, fmt.Errorf("CASINO_RELAYER_KEY is required when CASINO_RPC_URL is set")
		}
		if cfg.ForwarderAddr == "" {
			return nil, fmt.Errorf("CASINO_FORWARDER_ADDR is required when CASINO_RPC_URL is set")
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
