// Package config loads treasury service configuration.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var weiPerEther = decimal.New(1, 18)

// Config is the full service configuration. Secrets are never read from the
// file; they come from the environment in applyEnv.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Chain    ChainConfig    `yaml:"chain"`
	Treasury TreasuryConfig `yaml:"treasury"`

	// JWTSecret signs admin tokens. Environment only.
	JWTSecret string `yaml:"-"`
	// PrivateKey is the hex-encoded treasury key. Environment only.
	PrivateKey string `yaml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ClaimsPerSecond float64  `yaml:"claims_per_second"`
	ClaimBurst      int      `yaml:"claim_burst"`
	LogLevel        string   `yaml:"log_level"`
}

// ChainConfig holds RPC endpoint settings.
type ChainConfig struct {
	RPCURL                string `yaml:"rpc_url"`
	ExplorerBaseURL       string `yaml:"explorer_base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
}

// TreasuryConfig holds disbursement policy. Ether quantities are decimal
// strings to keep the file human-readable; they are converted to wei on use.
type TreasuryConfig struct {
	MaxTransferEther      string `yaml:"max_transfer_ether"`
	FeeBufferEther        string `yaml:"fee_buffer_ether"`
	GasLimit              uint64 `yaml:"gas_limit"`
	GasPriceMultiplier    string `yaml:"gas_price_multiplier"`
	ConfirmTimeoutSeconds int    `yaml:"confirm_timeout_seconds"`
	ReconcileIntervalSecs int    `yaml:"reconcile_interval_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            3000,
			AllowedOrigins:  []string{"*"},
			ClaimsPerSecond: 1,
			ClaimBurst:      3,
			LogLevel:        "info",
		},
		Chain: ChainConfig{
			ExplorerBaseURL:       "https://etherscan.io/tx/",
			RequestTimeoutSeconds: 30,
			PollIntervalSeconds:   2,
		},
		Treasury: TreasuryConfig{
			MaxTransferEther:      "10",
			FeeBufferEther:        "0.001",
			GasLimit:              21000,
			GasPriceMultiplier:    "1.0",
			ConfirmTimeoutSeconds: 120,
			ReconcileIntervalSecs: 30,
		},
	}
	cfg.applyEnv()
	return cfg
}

// Load reads configuration from a YAML file, layered over defaults, with
// environment overrides applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads from path when it exists, defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TREASURY_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("TREASURY_PRIVATE_KEY"); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv("TREASURY_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate checks that every parseable field parses.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if _, err := c.MaxTransferWei(); err != nil {
		return err
	}
	if _, err := c.FeeBufferWei(); err != nil {
		return err
	}
	if _, err := c.GasPriceMultiplier(); err != nil {
		return err
	}
	return nil
}

// MaxTransferWei returns the per-transaction cap in wei.
func (c *Config) MaxTransferWei() (*big.Int, error) {
	return etherToWei(c.Treasury.MaxTransferEther, "max_transfer_ether")
}

// FeeBufferWei returns the treasury fee headroom in wei.
func (c *Config) FeeBufferWei() (*big.Int, error) {
	return etherToWei(c.Treasury.FeeBufferEther, "fee_buffer_ether")
}

// GasPriceMultiplier returns the configured gas price scale factor.
func (c *Config) GasPriceMultiplier() (decimal.Decimal, error) {
	mult, err := decimal.NewFromString(c.Treasury.GasPriceMultiplier)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid gas_price_multiplier %q: %w", c.Treasury.GasPriceMultiplier, err)
	}
	return mult, nil
}

// RequestTimeout returns the RPC request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Chain.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the receipt polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Chain.PollIntervalSeconds) * time.Second
}

// ConfirmTimeout returns the confirmation wait bound.
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Treasury.ConfirmTimeoutSeconds) * time.Second
}

// ReconcileInterval returns the reconciler polling interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Treasury.ReconcileIntervalSecs) * time.Second
}

func etherToWei(raw, field string) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	wei := d.Mul(weiPerEther)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("invalid %s %q: finer than 1 wei", field, raw)
	}
	return wei.BigInt(), nil
}
