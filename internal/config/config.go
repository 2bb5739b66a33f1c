package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/token"
)

// Ledger backends
const (
	BackendMemory = "memory"
	BackendChain  = "chain"
)

// Config represents the complete configuration
type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Chain   ChainConfig   `yaml:"chain"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
}

// LedgerConfig contains escrow ledger settings
type LedgerConfig struct {
	Name    string `yaml:"name"`
	Symbol  string `yaml:"symbol"`
	BaseURI string `yaml:"base_uri"`
	// Backend selects how assets move: "memory" or "chain"
	Backend string `yaml:"backend"`
	// Custody address; with the chain backend it must match the wallet
	Custody  string `yaml:"custody"`
	MintFee  string `yaml:"mint_fee"` // human units, e.g. "1" or "0.5"
	FeeAsset string `yaml:"fee_asset"`
	// Assets lists the ERC20 addresses units may hold
	Assets        []string `yaml:"assets"`
	ChildDeposits bool     `yaml:"child_deposits"`
}

// ChainConfig contains JSON-RPC settings for the chain backend
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	ChainID         int64         `yaml:"chain_id"`
	Confirmations   uint64        `yaml:"confirmations"`
	MaxGasPriceGwei int64         `yaml:"max_gas_price_gwei"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	// WaitTimeout is how long a sent transaction is waited on before the
	// ledger parks it as pending
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// WalletConfig locates the custody key
type WalletConfig struct {
	KeystoreFile string `yaml:"keystore_file"`
	PasswordFile string `yaml:"password_file"`
	// UseKeyring reads the password from the OS keyring when no file is set
	UseKeyring     bool   `yaml:"use_keyring"`
	KeyringService string `yaml:"keyring_service"`
}

// JournalConfig contains event journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Addr            string   `yaml:"addr"`
	RateLimit       int      `yaml:"rate_limit"` // requests per minute
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	TrustProxy      bool     `yaml:"trust_proxy"`
	EnableCORS      bool     `yaml:"enable_cors"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	EnableWebSocket bool     `yaml:"enable_websocket"`
	EnableMetrics   bool     `yaml:"enable_metrics"`
	// EnableWrites serves the wallet-signed mutating routes
	EnableWrites bool `yaml:"enable_writes"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".encabox")

	return &Config{
		Ledger: LedgerConfig{
			Name:          "EncaBox",
			Symbol:        "ENCABX",
			Backend:       BackendMemory,
			ChildDeposits: true,
		},
		Chain: ChainConfig{
			RPCURL:          "http://127.0.0.1:8545",
			ChainID:         31337,
			Confirmations:   1,
			MaxGasPriceGwei: 100,
			PollInterval:    2 * time.Second,
			WaitTimeout:     10 * time.Minute,
			MaxRetries:      3,
		},
		Wallet: WalletConfig{
			KeystoreFile:   filepath.Join(dataDir, "keystore", "custody.json"),
			KeyringService: "encabox",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
		API: APIConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:8645",
			RateLimit:       600,
			RateLimitBurst:  50,
			EnableCORS:      true,
			AllowedOrigins:  []string{"*"},
			EnableWebSocket: true,
			EnableMetrics:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save saves configuration to path
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory, BackendChain:
	default:
		return fmt.Errorf("invalid ledger backend: %q", c.Ledger.Backend)
	}

	fee, err := c.MintFeeAmount()
	if err != nil {
		return err
	}
	if fee.Sign() > 0 && c.Ledger.FeeAsset == "" {
		return fmt.Errorf("fee_asset is required when mint_fee is set")
	}

	addrs := map[string]string{
		"custody":   c.Ledger.Custody,
		"fee_asset": c.Ledger.FeeAsset,
	}
	for i, a := range c.Ledger.Assets {
		addrs[fmt.Sprintf("assets[%d]", i)] = a
	}
	for name, addr := range addrs {
		if addr == "" {
			continue
		}
		if err := validateEthAddress(name, addr); err != nil {
			return err
		}
	}

	if c.Ledger.Backend == BackendChain {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required for the chain backend")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
		}
		if c.Chain.Confirmations < 1 {
			return fmt.Errorf("confirmations must be at least 1")
		}
		if c.Chain.WaitTimeout < 0 {
			return fmt.Errorf("chain.wait_timeout must not be negative")
		}
		if c.Wallet.KeystoreFile == "" {
			return fmt.Errorf("wallet.keystore_file is required for the chain backend")
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	if c.API.Enabled {
		if c.API.Addr == "" {
			return fmt.Errorf("api.addr is required when the API is enabled")
		}
		if c.API.RateLimit < 0 || c.API.RateLimitBurst < 0 {
			return fmt.Errorf("rate limits must not be negative")
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	return nil
}

// MintFeeAmount returns the mint fee in base units
func (c *Config) MintFeeAmount() (*big.Int, error) {
	if strings.TrimSpace(c.Ledger.MintFee) == "" {
		return new(big.Int), nil
	}
	fee, err := token.ParseBaseUnits(c.Ledger.MintFee)
	if err != nil {
		return nil, fmt.Errorf("invalid mint_fee: %w", err)
	}
	return fee, nil
}

// validateEthAddress checks that an address is 0x-prefixed, 40 hex chars, and non-zero
func validateEthAddress(name, addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.KeystoreFile = expandPath(c.Wallet.KeystoreFile)
	c.Wallet.PasswordFile = expandPath(c.Wallet.PasswordFile)
	c.Journal.Path = expandPath(c.Journal.Path)
}

// expandPath expands ~ to the home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".encabox", "config.yaml")
}

// EnsureDirectories creates the directories the configured files live in
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Journal.Enabled && c.Journal.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
