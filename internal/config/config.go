// Package config loads service configuration from the environment.
// Nothing outside main reads os.Getenv; everything downstream receives
// a *Config (or a slice of it) at construction time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	// --- HTTP ---
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CORSOriginsRaw  string        `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	CORSOrigins     []string      `envconfig:"-"`

	// --- Database ---
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"streamvault"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"streamvault"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"2"`

	// --- Logging ---
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
	// LogFile enables a rotating file sink in addition to stdout.
	LogFile   string        `envconfig:"LOG_FILE"`
	LogMaxAge time.Duration `envconfig:"LOG_MAX_AGE" default:"168h"`

	// --- Tokens ---
	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshGrace    time.Duration `envconfig:"REFRESH_GRACE" default:"168h"`
	LimitedTokenTTL time.Duration `envconfig:"LIMITED_TOKEN_TTL" default:"5m"`
	LoginRateLimit  int           `envconfig:"LOGIN_RATE_LIMIT" default:"10"`
	LoginRateWindow time.Duration `envconfig:"LOGIN_RATE_WINDOW" default:"1m"`
	PlatformsRaw    string        `envconfig:"PLATFORMS" default:"web,android,ios,smarttv,stb"`
	Platforms       []string      `envconfig:"-"`

	// --- Sessions ---
	DefaultDeviceLimit int           `envconfig:"DEFAULT_DEVICE_LIMIT" default:"1"`
	SessionMaxIdle     time.Duration `envconfig:"SESSION_MAX_IDLE" default:"720h"`
	SessionReapSpec    string        `envconfig:"SESSION_REAP_SPEC" default:"@every 15m"`

	// --- Settlement ---
	Currency           string          `envconfig:"CURRENCY" default:"INR"`
	MinTopUpRaw        string          `envconfig:"MIN_TOPUP" default:"100"`
	MinTopUp           decimal.Decimal `envconfig:"-"`
	ChargePendingTTL   time.Duration   `envconfig:"CHARGE_PENDING_TTL" default:"24h"`
	ChargeSweepSpec    string          `envconfig:"CHARGE_SWEEP_SPEC" default:"@every 1h"`
	SnowflakeNode      int64           `envconfig:"SNOWFLAKE_NODE" default:"1"`
	WebhookWorkers     int             `envconfig:"WEBHOOK_WORKERS" default:"10"`
	WebhookMaxAttempts int             `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"12"`

	// --- Gateways ---
	GatewayTimeout      time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayRetries      uint32        `envconfig:"GATEWAY_RETRIES" default:"3"`
	GatewayRetryBackoff time.Duration `envconfig:"GATEWAY_RETRY_BACKOFF" default:"200ms"`

	RazorpayEnabled       bool   `envconfig:"RAZORPAY_ENABLED" default:"false"`
	RazorpayBaseURL       string `envconfig:"RAZORPAY_BASE_URL" default:"https://api.razorpay.com"`
	RazorpayKeyID         string `envconfig:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     string `envconfig:"RAZORPAY_KEY_SECRET"`
	RazorpayWebhookSecret string `envconfig:"RAZORPAY_WEBHOOK_SECRET"`

	CashfreeEnabled       bool   `envconfig:"CASHFREE_ENABLED" default:"false"`
	CashfreeBaseURL       string `envconfig:"CASHFREE_BASE_URL" default:"https://api.cashfree.com"`
	CashfreeClientID      string `envconfig:"CASHFREE_CLIENT_ID"`
	CashfreeClientSecret  string `envconfig:"CASHFREE_CLIENT_SECRET"`
	CashfreeWebhookSecret string `envconfig:"CASHFREE_WEBHOOK_SECRET"`
	CashfreeReturnURL     string `envconfig:"CASHFREE_RETURN_URL"`
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.AccessTokenTTL <= 0 || c.LimitedTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be > 0")
	}
	if c.DefaultDeviceLimit <= 0 {
		return fmt.Errorf("DEFAULT_DEVICE_LIMIT must be > 0")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be > 0")
	}
	if c.RazorpayEnabled && (c.RazorpayKeyID == "" || c.RazorpayKeySecret == "" || c.RazorpayWebhookSecret == "") {
		return fmt.Errorf("razorpay enabled but RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET/RAZORPAY_WEBHOOK_SECRET missing")
	}
	if c.CashfreeEnabled && (c.CashfreeClientID == "" || c.CashfreeClientSecret == "" || c.CashfreeWebhookSecret == "") {
		return fmt.Errorf("cashfree enabled but CASHFREE_CLIENT_ID/CASHFREE_CLIENT_SECRET/CASHFREE_WEBHOOK_SECRET missing")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("PLATFORMS must list at least one platform")
	}
	return nil
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.CORSOrigins = splitCSV(cfg.CORSOriginsRaw)
	cfg.Platforms = splitCSV(strings.ToLower(cfg.PlatformsRaw))

	minTopUp, err := decimal.NewFromString(cfg.MinTopUpRaw)
	if err != nil {
		return nil, fmt.Errorf("MIN_TOPUP parse: %w", err)
	}
	cfg.MinTopUp = minTopUp

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
