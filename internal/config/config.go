package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
	"signalbot/internal/subscription"
)

// defaultPlans mirrors the catalog the bot has always shipped with.
const defaultPlans = "monthly:29.99:30,quarterly:79.99:90,annual:299.99:365"

type Config struct {
	Env      string `env:"APP_ENV" env-default:"development"`
	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`

	// Empty DatabaseURL / RedisAddr switch the stores to their in-memory variants.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisDB     int    `env:"REDIS_DB" env-default:"0"`

	JWTSecret   string `env:"JWT_SECRET" env-required:"true"`
	MetricsUser string `env:"METRICS_USER" env-default:"metrics"`
	// bcrypt hash; empty leaves /metrics unmounted
	MetricsPasswordHash string `env:"METRICS_PASSWORD_HASH"`

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"json"`

	Plans        string   `env:"PLANS"`
	EnabledRails []string `env:"ENABLED_RAILS" env-separator:"," env-default:"ethereum,solana,binance_pay"`

	Subscription SubscriptionConfig
	RateLimit    RateLimitConfig
	Ethereum     EthereumConfig
	Solana       SolanaConfig
	BinancePay   BinancePayConfig

	// SOCKS5 proxy for all outbound rail and price traffic.
	RailProxyAddr string `env:"RAIL_PROXY_ADDR"`
}

type SubscriptionConfig struct {
	SessionTTL      time.Duration `env:"SESSION_TTL" env-default:"30m"`
	IssueTimeout    time.Duration `env:"ISSUE_TIMEOUT" env-default:"10s"`
	VerifyTimeout   time.Duration `env:"VERIFY_TIMEOUT" env-default:"10s"`
	QuoteStaleAfter time.Duration `env:"QUOTE_STALE_AFTER" env-default:"120s"`
	MaxDenials      int           `env:"MAX_DENIALS" env-default:"2"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" env-default:"1h"`
}

type RateLimitConfig struct {
	VerifyPerMinute int `env:"VERIFY_RATE_PER_MINUTE" env-default:"6"`
	VerifyBurst     int `env:"VERIFY_RATE_BURST" env-default:"3"`
	HTTPPerMinute   int `env:"HTTP_RATE_PER_MINUTE" env-default:"120"`
	HTTPBurst       int `env:"HTTP_RATE_BURST" env-default:"20"`
}

type EthereumConfig struct {
	RPCURL             string `env:"ETH_RPC_URL"`
	SignerURL          string `env:"ETH_SIGNER_URL"`
	ReceiverPassphrase string `env:"ETH_RECEIVER_PASSPHRASE"`
	MinConfirmations   uint64 `env:"ETH_MIN_CONFIRMATIONS" env-default:"3"`
	PricePair          string `env:"ETH_PRICE_PAIR" env-default:"ETHUSDT"`
}

type SolanaConfig struct {
	RPCURL           string `env:"SOLANA_RPC_URL"`
	MinConfirmations uint64 `env:"SOLANA_MIN_CONFIRMATIONS" env-default:"3"`
	PricePair        string `env:"SOLANA_PRICE_PAIR" env-default:"SOLUSDT"`
	// hex-encoded 32 byte key sealing generated receiver keys
	KeySealSecret string `env:"RECEIVER_KEY_SECRET"`
}

type BinancePayConfig struct {
	BaseURL   string `env:"BINANCE_PAY_URL" env-default:"https://bpay.binanceapi.com"`
	APIKey    string `env:"BINANCE_PAY_API_KEY"`
	SecretKey string `env:"BINANCE_PAY_SECRET"`
	Currency  string `env:"BINANCE_PAY_CURRENCY" env-default:"USDT"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, using process environment")
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET must not be empty")
	}
	if _, err := cfg.Catalog(); err != nil {
		return nil, err
	}
	if _, err := cfg.Rails(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}
	return cfg
}

// Catalog parses PLANS ("id:price:days,...") into the immutable plan catalog.
func (c *Config) Catalog() (*subscription.Catalog, error) {
	plans, err := ParsePlans(c.Plans)
	if err != nil {
		return nil, err
	}
	return subscription.NewCatalog(plans)
}

// Rails returns the enabled rail IDs in configuration order.
func (c *Config) Rails() ([]payment.RailID, error) {
	rails := make([]payment.RailID, 0, len(c.EnabledRails))
	seen := make(map[payment.RailID]bool)
	for _, raw := range c.EnabledRails {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := payment.ParseRailID(raw)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		rails = append(rails, id)
	}
	if len(rails) == 0 {
		return nil, fmt.Errorf("ENABLED_RAILS: at least one rail is required")
	}
	return rails, nil
}

func ParsePlans(raw string) ([]subscription.Plan, error) {
	if strings.TrimSpace(raw) == "" {
		raw = defaultPlans
	}

	var plans []subscription.Plan
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("PLANS: malformed entry %q, want id:price:days", entry)
		}
		price, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("PLANS: price of %q: %w", parts[0], err)
		}
		var days int
		if _, err := fmt.Sscanf(parts[2], "%d", &days); err != nil {
			return nil, fmt.Errorf("PLANS: duration of %q: %w", parts[0], err)
		}
		plans = append(plans, subscription.Plan{
			ID:           strings.TrimSpace(parts[0]),
			FiatPrice:    price,
			DurationDays: days,
		})
	}
	return plans, nil
}
