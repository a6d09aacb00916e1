// Package config collects every environment-derived setting the server uses.
// Values are read once at startup; the settings endpoints rewrite the process
// environment and callers re-read through Load when they need fresh values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envPort      = "QD_PORT"
	envDBPath    = "QD_DB_PATH"
	envRedisAddr = "QD_REDIS_ADDR"
	envRedisPass = "QD_REDIS_PASSWORD"
	envUseTLS    = "QD_USE_TLS"
	envTLSCert   = "QD_TLS_CERT"
	envTLSKey    = "QD_TLS_KEY"
)

// Config holds the full runtime configuration.
type Config struct {
	Port      int
	DBPath    string
	EnvFile   string
	RedisAddr string
	RedisPass string

	UseTLS  bool
	TLSCert string
	TLSKey  string

	JWTSecret   string
	TokenExpiry time.Duration

	FrontendURL         string
	RegistrationEnabled bool
	DemoMode            bool

	AdminUser     string
	AdminPassword string

	Turnstile TurnstileConfig
	Security  SecurityConfig
	SMTP      SMTPConfig
	OAuth     OAuthConfig
	Billing   BillingConfig

	RegisterBonus int64
	ReferralBonus int64

	RechargeContactURL string
}

// TurnstileConfig configures Cloudflare Turnstile verification. Verification is
// enabled only when both keys are present.
type TurnstileConfig struct {
	SiteKey   string
	SecretKey string
}

func (t TurnstileConfig) Enabled() bool {
	return t.SiteKey != "" && t.SecretKey != ""
}

// SecurityConfig holds brute-force protection thresholds.
type SecurityConfig struct {
	IPMaxAttempts   int
	IPWindow        time.Duration
	IPBlock         time.Duration
	AcctMaxAttempts int
	AcctWindow      time.Duration
	AcctBlock       time.Duration

	CodeCooldown      time.Duration
	CodeIPHourlyLimit int
	CodeExpiry        time.Duration
	CodeMaxAttempts   int
	CodeLock          time.Duration
}

// SMTPConfig configures outbound verification email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.From != ""
}

// OAuthConfig holds third-party login credentials. A provider is enabled when
// its client ID is set.
type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURI  string
}

// BillingConfig mirrors the BILLING_* environment block.
type BillingConfig struct {
	Enabled   bool
	VIPBypass bool
	Costs     map[string]int64
}

// Load reads the full configuration from the environment.
func Load() Config {
	return Config{
		Port:      envInt(envPort, 5000),
		DBPath:    envStr(envDBPath, "quantdinger.db"),
		EnvFile:   envStr("QD_ENV_FILE", ".env"),
		RedisAddr: envStr(envRedisAddr, "127.0.0.1:6379"),
		RedisPass: os.Getenv(envRedisPass),

		UseTLS:  envBool(envUseTLS),
		TLSCert: os.Getenv(envTLSCert),
		TLSKey:  os.Getenv(envTLSKey),

		JWTSecret:   envStr("JWT_SECRET", ""),
		TokenExpiry: time.Duration(envInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,

		FrontendURL:         envStr("FRONTEND_URL", "http://localhost:8080"),
		RegistrationEnabled: envBoolDefault("ENABLE_REGISTRATION", true),
		DemoMode:            envBool("IS_DEMO_MODE"),

		AdminUser:     envStr("ADMIN_USER", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		Turnstile: TurnstileConfig{
			SiteKey:   os.Getenv("TURNSTILE_SITE_KEY"),
			SecretKey: os.Getenv("TURNSTILE_SECRET_KEY"),
		},

		Security: SecurityConfig{
			IPMaxAttempts:   envInt("SECURITY_IP_MAX_ATTEMPTS", 10),
			IPWindow:        time.Duration(envInt("SECURITY_IP_WINDOW_MINUTES", 5)) * time.Minute,
			IPBlock:         time.Duration(envInt("SECURITY_IP_BLOCK_MINUTES", 15)) * time.Minute,
			AcctMaxAttempts: envInt("SECURITY_ACCOUNT_MAX_ATTEMPTS", 5),
			AcctWindow:      time.Duration(envInt("SECURITY_ACCOUNT_WINDOW_MINUTES", 60)) * time.Minute,
			AcctBlock:       time.Duration(envInt("SECURITY_ACCOUNT_BLOCK_MINUTES", 30)) * time.Minute,

			CodeCooldown:      time.Duration(envInt("VERIFICATION_CODE_RATE_LIMIT", 60)) * time.Second,
			CodeIPHourlyLimit: envInt("VERIFICATION_CODE_IP_HOURLY_LIMIT", 10),
			CodeExpiry:        time.Duration(envInt("VERIFICATION_CODE_EXPIRE_MINUTES", 10)) * time.Minute,
			CodeMaxAttempts:   envInt("VERIFICATION_CODE_MAX_ATTEMPTS", 5),
			CodeLock:          time.Duration(envInt("VERIFICATION_CODE_LOCK_MINUTES", 15)) * time.Minute,
		},

		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},

		OAuth: OAuthConfig{
			GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			GoogleRedirectURI:  os.Getenv("GOOGLE_REDIRECT_URI"),
			GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
			GitHubRedirectURI:  os.Getenv("GITHUB_REDIRECT_URI"),
		},

		Billing: LoadBilling(),

		RegisterBonus: int64(envInt("CREDITS_REGISTER_BONUS", 0)),
		ReferralBonus: int64(envInt("CREDITS_REFERRAL_BONUS", 0)),

		RechargeContactURL: envStr("RECHARGE_CONTACT_URL", "https://t.me/quantdinger"),
	}
}

// Billable feature keys. Costs default to zero (free) unless configured.
var billableFeatures = []string{
	"ai_analysis",
	"strategy_run",
	"backtest",
	"portfolio_monitor",
	"indicator_create",
}

var defaultFeatureCosts = map[string]int{
	"ai_analysis":       10,
	"strategy_run":      5,
	"backtest":          3,
	"portfolio_monitor": 8,
	"indicator_create":  0,
}

// LoadBilling reads the BILLING_* environment block. Re-read by the billing
// service so settings changes apply without a restart.
func LoadBilling() BillingConfig {
	costs := make(map[string]int64, len(billableFeatures))
	for _, feature := range billableFeatures {
		key := "BILLING_COST_" + strings.ToUpper(feature)
		costs[feature] = int64(envInt(key, defaultFeatureCosts[feature]))
	}
	return BillingConfig{
		Enabled:   envBool("BILLING_ENABLED"),
		VIPBypass: envBoolDefault("BILLING_VIP_BYPASS", true),
		Costs:     costs,
	}
}

// Features returns the billable feature keys in a stable order.
func (b BillingConfig) Features() []string {
	out := make([]string, len(billableFeatures))
	copy(out, billableFeatures)
	return out
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string) bool {
	parsed, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return false
	}
	return parsed
}

func envBoolDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
