package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Ledger scope policies: one open bill per patient, or per encounter.
const (
	ScopePatient   = "patient"
	ScopeEncounter = "encounter"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSignKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	AuditSink      string        `mapstructure:"AUDIT_SINK"`

	BillNumberPrefix      string `mapstructure:"BILL_NUMBER_PREFIX"`
	BillNumberMaxAttempts int    `mapstructure:"BILL_NUMBER_MAX_ATTEMPTS"`
	LedgerScope           string `mapstructure:"LEDGER_SCOPE"`
	ReconcileCron         string `mapstructure:"RECONCILE_CRON"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "AUDIT_SINK",
	"BILL_NUMBER_PREFIX", "BILL_NUMBER_MAX_ATTEMPTS", "LEDGER_SCOPE", "RECONCILE_CRON",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUDIT_SINK", "db")
	v.SetDefault("BILL_NUMBER_PREFIX", "BILL")
	v.SetDefault("BILL_NUMBER_MAX_ATTEMPTS", 10)
	v.SetDefault("LEDGER_SCOPE", ScopePatient)

	// Unmarshal only sees env vars that are bound.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = cfg.CORSOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	cfg.LedgerScope = strings.ToLower(strings.TrimSpace(cfg.LedgerScope))
	cfg.BillNumberPrefix = strings.ToUpper(strings.TrimSpace(cfg.BillNumberPrefix))

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

// Validate checks that the configuration is safe to run. Outside
// development a token issuer or signing key must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSignKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.LedgerScope != ScopePatient && c.LedgerScope != ScopeEncounter {
		return fmt.Errorf("LEDGER_SCOPE must be %q or %q, got %q", ScopePatient, ScopeEncounter, c.LedgerScope)
	}
	if c.BillNumberMaxAttempts <= 0 {
		return fmt.Errorf("BILL_NUMBER_MAX_ATTEMPTS must be positive, got %d", c.BillNumberMaxAttempts)
	}
	if c.BillNumberPrefix == "" || strings.ContainsAny(c.BillNumberPrefix, " -") {
		return fmt.Errorf("BILL_NUMBER_PREFIX must be non-empty without spaces or dashes, got %q", c.BillNumberPrefix)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AuditSink != "db" && c.AuditSink != "log" {
		return fmt.Errorf("AUDIT_SINK must be \"db\" or \"log\", got %q", c.AuditSink)
	}
	if c.ReconcileCron != "" {
		if _, err := cron.ParseStandard(c.ReconcileCron); err != nil {
			return fmt.Errorf("RECONCILE_CRON is not a valid schedule: %w", err)
		}
	}
	return nil
}
