// Package config loads service configuration from defaults, an optional JSON
// file and ESCROWPAY_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"rentescrow/internal/network"
	"rentescrow/internal/wallet"
)

const (
	envPrefix         = "ESCROWPAY_"
	defaultConfigPath = "config.json"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Chain      ChainConfig      `koanf:"chain"`
	Wallet     WalletConfig     `koanf:"wallet"`
	Settlement SettlementConfig `koanf:"settlement"`
	Booking    BookingConfig    `koanf:"booking"`
	Auth       AuthConfig       `koanf:"auth"`
	Storage    StorageConfig    `koanf:"storage"`
	Log        LogConfig        `koanf:"log"`
}

type ServiceConfig struct {
	HTTPPort        int           `koanf:"http_port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"required"`
	// AttemptTimeout bounds one payment attempt including settlement retries.
	AttemptTimeout       time.Duration `koanf:"attempt_timeout" validate:"required"`
	// LockTTL must outlive an attempt or a second run could start mid-payment.
	LockTTL              time.Duration `koanf:"lock_ttl" validate:"required,gtfield=AttemptTimeout"`
	IdempotencyWindow    time.Duration `koanf:"idempotency_window" validate:"required"`
	IdempotencyStorePath string        `koanf:"idempotency_store_path"`
	RateLimit            float64       `koanf:"rate_limit"`
	RateBurst            int           `koanf:"rate_burst"`
}

type ChainConfig struct {
	ChainID             int64         `koanf:"chain_id" validate:"required,gt=0"`
	Name                string        `koanf:"name" validate:"required"`
	CurrencyName        string        `koanf:"currency_name" validate:"required"`
	CurrencySymbol      string        `koanf:"currency_symbol" validate:"required"`
	CurrencyDecimals    int           `koanf:"currency_decimals" validate:"min=0,max=36"`
	RPCURL              string        `koanf:"rpc_url" validate:"required,url"`
	ExplorerURL         string        `koanf:"explorer_url" validate:"omitempty,url"`
	GasBufferPercent    uint64        `koanf:"gas_buffer_percent" validate:"max=200"`
	ReceiptPollInterval time.Duration `koanf:"receipt_poll_interval" validate:"required"`
}

// WalletConfig selects how transactions are signed: "rpc" forwards EIP-1193
// calls to a wallet bridge, "keyed" signs locally with PrivateKey.
type WalletConfig struct {
	Mode       string `koanf:"mode" validate:"required,oneof=rpc keyed"`
	RPCURL     string `koanf:"rpc_url" validate:"omitempty,url"`
	PrivateKey string `koanf:"private_key"`
}

type SettlementConfig struct {
	BaseURL     string        `koanf:"base_url" validate:"required,url"`
	Timeout     time.Duration `koanf:"timeout" validate:"required"`
	MaxAttempts int           `koanf:"max_attempts" validate:"required,min=1"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

type BookingConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"required"`
	// PaymentTimeout is used when the Booking service does not publish one.
	PaymentTimeout time.Duration `koanf:"payment_timeout" validate:"required"`
}

type AuthConfig struct {
	JWTSecret     string        `koanf:"jwt_secret"`
	JWTIssuer     string        `koanf:"jwt_issuer"`
	HMACSecret    string        `koanf:"hmac_secret"`
	HMACClockSkew time.Duration `koanf:"hmac_clock_skew"`
}

type StorageConfig struct {
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresMaxConns int32  `koanf:"postgres_max_conns"`
	RedisURL         string `koanf:"redis_url"`
	LockPrefix       string `koanf:"lock_prefix"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"service.http_port":          3000,
		"service.read_timeout":       "10s",
		"service.write_timeout":      "5m",
		"service.shutdown_timeout":   "15s",
		"service.attempt_timeout":    "5m",
		"service.lock_ttl":           "10m",
		"service.idempotency_window": "24h",
		"service.rate_limit":         5.0,
		"service.rate_burst":         10,

		"chain.chain_id":              80002,
		"chain.name":                  "Polygon Amoy",
		"chain.currency_name":         "POL",
		"chain.currency_symbol":       "POL",
		"chain.currency_decimals":     18,
		"chain.rpc_url":               "https://rpc-amoy.polygon.technology",
		"chain.explorer_url":          "https://amoy.polygonscan.com",
		"chain.gas_buffer_percent":    20,
		"chain.receipt_poll_interval": "2s",

		"wallet.mode": "rpc",

		"settlement.timeout":      "15s",
		"settlement.max_attempts": 3,
		"settlement.retry_delay":  "3s",

		"booking.timeout":         "10s",
		"booking.payment_timeout": "15m",

		"auth.hmac_clock_skew": "60s",

		"storage.postgres_max_conns": 10,
		"storage.lock_prefix":        "escrowpay:lock:",

		"log.level":  "info",
		"log.format": "json",
	}
}

// Load reads configuration. CONFIG_PATH overrides the JSON file location; a
// missing file is not an error. A .env file in the working directory is
// loaded into the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit JSON file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	switch c.Wallet.Mode {
	case "rpc":
		if c.Wallet.RPCURL == "" {
			return errors.New("config validation failed: wallet.rpc_url is required in rpc mode")
		}
	case "keyed":
		if c.Wallet.PrivateKey == "" {
			return errors.New("config validation failed: wallet.private_key is required in keyed mode")
		}
	}
	return nil
}

// Network is the target chain the wallet is moved onto before paying.
func (c ChainConfig) Network() network.Network {
	return network.Network{
		ChainID: big.NewInt(c.ChainID),
		Name:    c.Name,
		Currency: wallet.NativeCurrency{
			Name:     c.CurrencyName,
			Symbol:   c.CurrencySymbol,
			Decimals: c.CurrencyDecimals,
		},
		RPCURL:      c.RPCURL,
		ExplorerURL: c.ExplorerURL,
	}
}
