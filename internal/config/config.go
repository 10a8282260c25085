package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ChainFamily selects the adapter implementation for a chain
type ChainFamily string

const (
	FamilyEVM    ChainFamily = "evm"
	FamilyCosmos ChainFamily = "cosmos"
)

// Config holds all configuration for the service
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Attestation AttestationConfig
	Operator    OperatorConfig
	Worker      WorkerConfig
	Chains      map[string]ChainConfig
	Destination DestinationConfig
	Sources     SourcesConfig
	Gate        GateConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `envconfig:"SERVER_PORT" default:"8080"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName   string `envconfig:"DB_NAME" default:"kinvault"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
}

// RedisConfig holds the optional royalty snapshot cache configuration.
// An empty host disables the cache.
type RedisConfig struct {
	Host string `envconfig:"REDIS_HOST" default:""`
	Port int    `envconfig:"REDIS_PORT" default:"6379"`
}

// AttestationConfig holds attestation service configuration
type AttestationConfig struct {
	BaseURL      string        `envconfig:"ATTESTATION_BASE_URL" default:"https://iris-api.circle.com"`
	APIKey       string        `envconfig:"ATTESTATION_API_KEY" default:""`
	PollInterval time.Duration `envconfig:"ATTESTATION_POLL_INTERVAL" default:"5s"`
	PollWindow   time.Duration `envconfig:"ATTESTATION_POLL_WINDOW" default:"2m"`
}

// OperatorConfig holds relayer signing configuration
type OperatorConfig struct {
	EVMPrivateKey  string `envconfig:"OPERATOR_EVM_PRIVATE_KEY" default:""`
	CosmosMnemonic string `envconfig:"OPERATOR_COSMOS_MNEMONIC" default:""`
	AdminToken     string `envconfig:"OPERATOR_ADMIN_TOKEN" default:""`
}

// WorkerConfig tunes the orchestrator
type WorkerConfig struct {
	PollInterval      time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"30s"`
	Executors         int           `envconfig:"WORKER_EXECUTORS" default:"8"`
	MaxSubmitAttempts int           `envconfig:"WORKER_MAX_SUBMIT_ATTEMPTS" default:"5"`
	BaseRetryDelay    time.Duration `envconfig:"WORKER_BASE_RETRY_DELAY" default:"5s"`
	MaxRetryDelay     time.Duration `envconfig:"WORKER_MAX_RETRY_DELAY" default:"5m"`
	FastPollCycles    int           `envconfig:"WORKER_FAST_POLL_CYCLES" default:"20"`
	SlowPollDelay     time.Duration `envconfig:"WORKER_SLOW_POLL_DELAY" default:"10m"`
}

// ChainConfig holds configuration for one supported chain
type ChainConfig struct {
	Name               string
	Family             ChainFamily
	RPCEndpoint        string
	RESTEndpoint       string // cosmos family only
	TokenMessenger     string // burn entry point (contract address)
	MessageTransmitter string // mint entry point (contract address)
	TokenAddress       string // evm family: USDC contract
	TokenDenom         string // cosmos family: USDC denom
	Bech32Prefix       string // cosmos family
	DestinationDomain  uint32
	GasPrice           string // cosmos family, e.g. "0.1usei"
	MinSettleAmount    string // decimal string; below this no transfer is created
}

// DestinationConfig names the vault chain transfers settle to
type DestinationConfig struct {
	Chain         string `envconfig:"DESTINATION_CHAIN" default:"EVM"`
	VaultAddress  string `envconfig:"DESTINATION_VAULT_ADDRESS" default:""`
	VaultAccount  string `envconfig:"DESTINATION_VAULT_ACCOUNT" default:""`
	StartBlock    uint64 `envconfig:"DESTINATION_START_BLOCK" default:"0"`
	Confirmations uint64 `envconfig:"DESTINATION_CONFIRMATIONS" default:"3"`
}

// SourcesConfig holds royalty source connector endpoints
type SourcesConfig struct {
	SeiRoyaltyEndpoint string `envconfig:"SEI_ROYALTY_ENDPOINT" default:""`
	HyperliquidAPI     string `envconfig:"HYPERLIQUID_API" default:"https://api.hyperliquid.xyz/info"`
	HyperliquidVault   string `envconfig:"HYPERLIQUID_VAULT" default:""`
}

// GateConfig maps origin chains to their proof verifier contracts
type GateConfig struct {
	// Verifiers is originChain -> verifier contract address on the vault chain
	Verifiers map[string]string
	// RequiredChains switches the aggregation policy: 0 or 1 means any single
	// chain grant authorizes vault access, N>1 requires N distinct chains.
	RequiredChains int `envconfig:"GATE_REQUIRED_CHAINS" default:"1"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{Chains: make(map[string]ChainConfig)}

	if err := envconfig.Process("", &cfg.Server); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Database); err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Redis); err != nil {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Attestation); err != nil {
		return nil, fmt.Errorf("attestation config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Operator); err != nil {
		return nil, fmt.Errorf("operator config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Worker); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Destination); err != nil {
		return nil, fmt.Errorf("destination config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Sources); err != nil {
		return nil, fmt.Errorf("sources config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Gate); err != nil {
		return nil, fmt.Errorf("gate config: %w", err)
	}

	loadChainConfigs(cfg)
	loadGateVerifiers(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs loads the keyed per-chain sections. Chain sections use an
// env prefix per chain; a chain without an RPC endpoint is not configured.
func loadChainConfigs(cfg *Config) {
	// Sei (origin, cosmos family)
	if rpc := getEnv("SEI_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["Sei"] = ChainConfig{
			Name:              "Sei",
			Family:            FamilyCosmos,
			RPCEndpoint:       rpc,
			RESTEndpoint:      getEnv("SEI_REST_ENDPOINT", ""),
			TokenMessenger:    getEnv("SEI_TOKEN_MESSENGER", ""),
			TokenDenom:        getEnv("SEI_USDC_DENOM", "uusdc"),
			Bech32Prefix:      getEnv("SEI_BECH32_PREFIX", "sei"),
			DestinationDomain: uint32(getEnvInt("SEI_DESTINATION_DOMAIN", 6)),
			GasPrice:          getEnv("SEI_GAS_PRICE", "0.1usei"),
			MinSettleAmount:   getEnv("SEI_MIN_SETTLE_AMOUNT", "1000000"),
		}
	}

	// Hyperliquid (origin, evm family)
	if rpc := getEnv("HYPERLIQUID_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["Hyperliquid"] = ChainConfig{
			Name:               "Hyperliquid",
			Family:             FamilyEVM,
			RPCEndpoint:        rpc,
			TokenMessenger:     getEnv("HYPERLIQUID_TOKEN_MESSENGER", ""),
			MessageTransmitter: getEnv("HYPERLIQUID_MESSAGE_TRANSMITTER", ""),
			TokenAddress:       getEnv("HYPERLIQUID_USDC_ADDRESS", ""),
			DestinationDomain:  uint32(getEnvInt("HYPERLIQUID_DESTINATION_DOMAIN", 6)),
			MinSettleAmount:    getEnv("HYPERLIQUID_MIN_SETTLE_AMOUNT", "1000000"),
		}
	}

	// EVM vault chain (destination; Base in production)
	if rpc := getEnv("EVM_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["EVM"] = ChainConfig{
			Name:               "EVM",
			Family:             FamilyEVM,
			RPCEndpoint:        rpc,
			TokenMessenger:     getEnv("EVM_TOKEN_MESSENGER", ""),
			MessageTransmitter: getEnv("EVM_MESSAGE_TRANSMITTER", ""),
			TokenAddress:       getEnv("EVM_USDC_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			DestinationDomain:  uint32(getEnvInt("EVM_DESTINATION_DOMAIN", 6)),
		}
	}
}

// loadGateVerifiers parses GATE_VERIFIERS as comma-separated chain=address pairs,
// e.g. "Sei=0xabc...,Hyperliquid=0xdef..."
func loadGateVerifiers(cfg *Config) {
	cfg.Gate.Verifiers = make(map[string]string)
	raw := getEnv("GATE_VERIFIERS", "")
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		chain := strings.TrimSpace(parts[0])
		addr := strings.TrimSpace(parts[1])
		if chain != "" && addr != "" {
			cfg.Gate.Verifiers[chain] = addr
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	if _, ok := c.Chains[c.Destination.Chain]; !ok {
		return fmt.Errorf("destination chain %q is not configured", c.Destination.Chain)
	}
	if c.Worker.Executors <= 0 {
		return fmt.Errorf("worker executor count must be positive")
	}
	for chain, cc := range c.Chains {
		if cc.Family != FamilyEVM && cc.Family != FamilyCosmos {
			return fmt.Errorf("chain %s has unknown family %q", chain, cc.Family)
		}
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
