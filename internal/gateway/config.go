package gateway

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/textguide/gateway/internal/gateway/quota"
)

// Config holds all configuration for the gateway.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	// BaseURL is where subscribers register and subscribe; it is quoted in texts.
	BaseURL string
	// PublicURL is the gateway's own externally reachable address, used for
	// carrier status callbacks. Defaults to BaseURL.
	PublicURL   string
	ProductName string

	StripeWebhookSecret string
	StripeAPIKey        string
	CancelTimeout       time.Duration
	CancelAtPeriodEnd   bool

	FreeMonthlyLimit int
	RedisAddr        string
	PricingFile      string

	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string
	ValidateCarrierSignature bool
	SweepInterval            time.Duration

	PublicStatus  bool
	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// RegistryDir returns the directory holding the gateway database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "gateway")
}

// StatusCallbackURL is the carrier status callback endpoint.
func (c *Config) StatusCallbackURL() string {
	return strings.TrimRight(c.PublicURL, "/") + carrierStatusPath
}

// CarrierConfigured reports whether outbound texts can be sent.
func (c *Config) CarrierConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// LoadConfig loads gateway configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("TG_PORT", 8080)
	if err != nil {
		return nil, err
	}
	freeLimit, err := envOrDefaultInt("TG_FREE_MONTHLY_LIMIT", quota.DefaultFreeMonthlyLimit)
	if err != nil {
		return nil, err
	}
	cancelTimeout, err := envOrDefaultDuration("TG_CANCEL_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("TG_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cancelAtPeriodEnd, err := envOrDefaultBool("TG_CANCEL_AT_PERIOD_END", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("TG_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("TG_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	authToken := strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN"))
	validateSig, err := envOrDefaultBool("TG_VALIDATE_CARRIER_SIGNATURE", authToken != "")
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimSpace(os.Getenv("TG_BASE_URL"))
	cfg := &Config{
		DataDir:                  envOrDefault("TG_DATA_DIR", "/data"),
		BindAddress:              envOrDefault("TG_BIND_ADDRESS", "0.0.0.0"),
		Port:                     port,
		AdminKey:                 strings.TrimSpace(os.Getenv("TG_ADMIN_KEY")),
		BaseURL:                  baseURL,
		PublicURL:                envOrDefault("TG_PUBLIC_URL", baseURL),
		ProductName:              envOrDefault("TG_PRODUCT_NAME", "TextGuide"),
		StripeWebhookSecret:      strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:             strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		CancelTimeout:            cancelTimeout,
		CancelAtPeriodEnd:        cancelAtPeriodEnd,
		FreeMonthlyLimit:         freeLimit,
		RedisAddr:                strings.TrimSpace(os.Getenv("TG_REDIS_ADDR")),
		PricingFile:              strings.TrimSpace(os.Getenv("TG_PRICING_FILE")),
		TwilioAccountSID:         strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:          authToken,
		TwilioFromNumber:         strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER")),
		ValidateCarrierSignature: validateSig,
		SweepInterval:            sweepInterval,
		PublicStatus:             publicStatus,
		PublicMetrics:            publicMetrics,
		LogLevel:                 envOrDefault("TG_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("TG_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate gateway config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "TG_ADMIN_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "TG_BASE_URL")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("TG_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.FreeMonthlyLimit < 0 {
		return fmt.Errorf("TG_FREE_MONTHLY_LIMIT must not be negative, got %d", c.FreeMonthlyLimit)
	}
	if c.CancelTimeout <= 0 {
		return fmt.Errorf("TG_CANCEL_TIMEOUT must be positive, got %s", c.CancelTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("TG_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.ValidateCarrierSignature && c.TwilioAuthToken == "" {
		return fmt.Errorf("TG_VALIDATE_CARRIER_SIGNATURE requires TWILIO_AUTH_TOKEN")
	}

	for key, raw := range map[string]string{"TG_BASE_URL": c.BaseURL, "TG_PUBLIC_URL": c.PublicURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", key, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", key)
		}
		if u.Host == "" {
			return fmt.Errorf("%s must include a host", key)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 30s or 5m: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
