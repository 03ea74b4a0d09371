package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	NATSURL     string   `mapstructure:"NATS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	PublicBaseURL       string        `mapstructure:"PUBLIC_BASE_URL"`
	ResponseTokenSecret string        `mapstructure:"RESPONSE_TOKEN_SECRET"`
	ResponseTokenTTL    time.Duration `mapstructure:"RESPONSE_TOKEN_TTL"`
	WebhookSecret       string        `mapstructure:"WEBHOOK_SECRET"`

	ServiceMapFile string `mapstructure:"SERVICE_MAP_FILE"`
	MaxCandidates  int    `mapstructure:"MAX_CANDIDATES"`

	DispatchMaxAttempts     int           `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	DispatchBackoffBase     time.Duration `mapstructure:"DISPATCH_BACKOFF_BASE"`
	DispatchBackoffMax      time.Duration `mapstructure:"DISPATCH_BACKOFF_MAX"`
	DispatchAttemptTimeout  time.Duration `mapstructure:"DISPATCH_ATTEMPT_TIMEOUT"`
	DispatchRatePerFacility float64       `mapstructure:"DISPATCH_RATE_PER_FACILITY"`

	ResponseWindowEmergency time.Duration `mapstructure:"RESPONSE_WINDOW_EMERGENCY"`
	ResponseWindowRoutine   time.Duration `mapstructure:"RESPONSE_WINDOW_ROUTINE"`
	SweepInterval           time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RoutingStallGrace       time.Duration `mapstructure:"ROUTING_STALL_GRACE"`
	LockTTL                 time.Duration `mapstructure:"LOCK_TTL"`

	SMSGatewayURL    string `mapstructure:"SMS_GATEWAY_URL"`
	SMSGatewayAPIKey string `mapstructure:"SMS_GATEWAY_API_KEY"`
	SMSSenderID      string `mapstructure:"SMS_SENDER_ID"`

	FollowUpSubject string `mapstructure:"FOLLOWUP_SUBJECT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NATS_URL", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PUBLIC_BASE_URL", "RESPONSE_TOKEN_SECRET",
	"RESPONSE_TOKEN_TTL", "WEBHOOK_SECRET", "SERVICE_MAP_FILE", "MAX_CANDIDATES",
	"DISPATCH_MAX_ATTEMPTS", "DISPATCH_BACKOFF_BASE", "DISPATCH_BACKOFF_MAX",
	"DISPATCH_ATTEMPT_TIMEOUT", "DISPATCH_RATE_PER_FACILITY",
	"RESPONSE_WINDOW_EMERGENCY", "RESPONSE_WINDOW_ROUTINE", "SWEEP_INTERVAL", "LOCK_TTL",
	"ROUTING_STALL_GRACE", "SMS_GATEWAY_URL", "SMS_GATEWAY_API_KEY", "SMS_SENDER_ID", "FOLLOWUP_SUBJECT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("RESPONSE_TOKEN_TTL", "24h")
	v.SetDefault("MAX_CANDIDATES", 10)
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 3)
	v.SetDefault("DISPATCH_BACKOFF_BASE", "1s")
	v.SetDefault("DISPATCH_BACKOFF_MAX", "5m")
	v.SetDefault("DISPATCH_ATTEMPT_TIMEOUT", "30s")
	v.SetDefault("DISPATCH_RATE_PER_FACILITY", 5)
	v.SetDefault("RESPONSE_WINDOW_EMERGENCY", "30m")
	v.SetDefault("RESPONSE_WINDOW_ROUTINE", "2h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("ROUTING_STALL_GRACE", "2m")
	v.SetDefault("SMS_SENDER_ID", "HarakaCare")
	v.SetDefault("FOLLOWUP_SUBJECT", "routing.followup")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
	case "jwt":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", c.AuthMode)
	}

	if c.IsProduction() && c.ResolvedAuthMode() == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}
	if c.IsProduction() && len(c.ResponseTokenSecret) < 32 {
		return fmt.Errorf("RESPONSE_TOKEN_SECRET must be at least 32 characters in production")
	}

	if c.DispatchMaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", c.DispatchMaxAttempts)
	}
	if c.DispatchBackoffBase <= 0 || c.DispatchBackoffMax < c.DispatchBackoffBase {
		return fmt.Errorf("DISPATCH_BACKOFF_BASE must be positive and not exceed DISPATCH_BACKOFF_MAX")
	}
	if c.DispatchAttemptTimeout <= 0 {
		return fmt.Errorf("DISPATCH_ATTEMPT_TIMEOUT must be positive")
	}
	if c.ResponseWindowEmergency < 0 || c.ResponseWindowRoutine < 0 {
		return fmt.Errorf("response windows must not be negative (0 disables the timeout)")
	}
	if c.RoutingStallGrace <= 0 {
		return fmt.Errorf("ROUTING_STALL_GRACE must be positive")
	}
	if c.MaxCandidates < 0 {
		return fmt.Errorf("MAX_CANDIDATES must not be negative")
	}
	return nil
}
