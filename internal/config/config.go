// Package config loads service settings from an optional YAML file, a .env file
// and the process environment. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MainnetUSDCMint is the Circle USDC mint on Solana mainnet.
const MainnetUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Chain      ChainConfig      `yaml:"chain"`
	Orders     OrdersConfig     `yaml:"orders"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
	SchemaDir  string           `yaml:"schema_dir"`
}

type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	PublicBaseURL string   `yaml:"public_base_url"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables Idempotency-Key caching when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	Mint            string        `yaml:"mint"`
	Decimals        int32         `yaml:"decimals"`
	AmountTolerance string        `yaml:"amount_tolerance"`
	ConfirmEvery    time.Duration `yaml:"confirm_every"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	TreasuryKey     string        `yaml:"-"`
}

type OrdersConfig struct {
	StallWindow            time.Duration `yaml:"stall_window"`
	ReviewWindow           time.Duration `yaml:"review_window"`
	MaxFulfillmentAttempts int           `yaml:"max_fulfillment_attempts"`
}

type ProvidersConfig struct {
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`

	OpenAIKey      string `yaml:"-"`
	AnthropicKey   string `yaml:"-"`
	ReplicateToken string `yaml:"-"`
	FalKey         string `yaml:"-"`
	RunwaySecret   string `yaml:"-"`
}

// StorageConfig selects the media backend: "postgres" (default) or "bucket", an
// S3-compatible object store. Endpoint is host[:port] without a scheme.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Insecure  bool   `yaml:"insecure"`
	PublicURL string `yaml:"public_url"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type AuthConfig struct {
	TokenTTL  time.Duration `yaml:"token_ttl"`
	JWTSecret string        `yaml:"-"`
}

type SettlementConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	ReconcileEvery time.Duration `yaml:"reconcile_every"`
}

// Load reads .env (if present), then the YAML file at path (or $CONFIG_PATH),
// then overlays the environment and fills defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "ADDR")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("ADDR") == "" {
		c.Server.Addr = "0.0.0.0:" + port
	}
	setString(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")

	setString(&c.Chain.RPCURL, "SOLANA_RPC_URL")
	setString(&c.Chain.Mint, "USDC_MINT")
	setString(&c.Chain.AmountTolerance, "AMOUNT_TOLERANCE_USD")
	setString(&c.Chain.TreasuryKey, "TREASURY_PRIVATE_KEY")

	setString(&c.Providers.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Providers.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.ReplicateToken, "REPLICATE_API_TOKEN")
	setString(&c.Providers.FalKey, "FAL_KEY")
	setString(&c.Providers.RunwaySecret, "RUNWAYML_API_SECRET")

	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.Endpoint, "STORAGE_ENDPOINT")
	setString(&c.Storage.Region, "STORAGE_REGION")
	setString(&c.Storage.Bucket, "STORAGE_BUCKET")
	setString(&c.Storage.PublicURL, "STORAGE_PUBLIC_URL")
	setString(&c.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "STORAGE_SECRET_KEY")

	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.SchemaDir, "SCHEMA_DIR")

	var errs []error
	errs = append(errs,
		setDuration(&c.Orders.StallWindow, "STALL_WINDOW"),
		setDuration(&c.Orders.ReviewWindow, "REVIEW_WINDOW"),
		setInt(&c.Orders.MaxFulfillmentAttempts, "MAX_FULFILLMENT_ATTEMPTS"),
		setDuration(&c.Providers.PollInterval, "PROVIDER_POLL_INTERVAL"),
		setDuration(&c.Providers.PollTimeout, "PROVIDER_POLL_TIMEOUT"),
		setInt(&c.Providers.RetryAttempts, "PROVIDER_RETRY_ATTEMPTS"),
		setDuration(&c.Auth.TokenTTL, "TOKEN_TTL"),
		setInt(&c.Settlement.MaxAttempts, "SETTLEMENT_MAX_ATTEMPTS"),
		setDuration(&c.Settlement.ReconcileEvery, "SETTLEMENT_RECONCILE_EVERY"),
	)
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = "http://localhost:8080"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if c.Chain.Mint == "" {
		c.Chain.Mint = MainnetUSDCMint
	}
	if c.Chain.Decimals == 0 {
		c.Chain.Decimals = 6
	}
	if c.Chain.ConfirmEvery == 0 {
		c.Chain.ConfirmEvery = 2 * time.Second
	}
	if c.Chain.ConfirmTimeout == 0 {
		c.Chain.ConfirmTimeout = 90 * time.Second
	}
	if c.Chain.AmountTolerance == "" {
		c.Chain.AmountTolerance = "0.01"
	}
	if c.Orders.StallWindow == 0 {
		c.Orders.StallWindow = 10 * time.Minute
	}
	if c.Orders.ReviewWindow == 0 {
		c.Orders.ReviewWindow = 72 * time.Hour
	}
	if c.Orders.MaxFulfillmentAttempts == 0 {
		c.Orders.MaxFulfillmentAttempts = 3
	}
	if c.Providers.RetryAttempts == 0 {
		c.Providers.RetryAttempts = 3
	}
	if c.Providers.RetryBaseDelay == 0 {
		c.Providers.RetryBaseDelay = 2 * time.Second
	}
	if c.Providers.PollInterval == 0 {
		c.Providers.PollInterval = 5 * time.Second
	}
	if c.Providers.PollTimeout == 0 {
		c.Providers.PollTimeout = 300 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Settlement.MaxAttempts == 0 {
		c.Settlement.MaxAttempts = 5
	}
	if c.Settlement.ReconcileEvery == 0 {
		c.Settlement.ReconcileEvery = time.Minute
	}
	if c.SchemaDir == "" {
		c.SchemaDir = "schemas"
	}
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Chain.TreasuryKey == "" {
		errs = append(errs, errors.New("TREASURY_PRIVATE_KEY is required"))
	}
	if _, err := c.Tolerance(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "postgres":
	case "bucket":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			errs = append(errs, errors.New("bucket storage needs STORAGE_ENDPOINT and STORAGE_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

// Tolerance is the accepted USD shortfall on escrow payments.
func (c *Config) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Chain.AmountTolerance)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid amount tolerance %q", c.Chain.AmountTolerance)
	}
	return d, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
