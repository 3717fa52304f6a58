package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	StorageBackend string   `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string   `mapstructure:"DB_SCHEMA"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	NATSURL        string   `mapstructure:"NATS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Dispatcher
	Workers            int           `mapstructure:"DISPATCH_WORKERS"`
	QueueSize          int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
	DefaultMaxRetries  int           `mapstructure:"DEFAULT_MAX_RETRIES"`
	TimeoutRetries     int           `mapstructure:"TIMEOUT_MAX_RETRIES"`
	BackoffBase        time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffMax         time.Duration `mapstructure:"BACKOFF_MAX"`
	PartnerRPS         float64       `mapstructure:"PARTNER_RPS"`
	PartnerBurst       int           `mapstructure:"PARTNER_BURST"`
	PartnerMaxInFlight int64         `mapstructure:"PARTNER_MAX_IN_FLIGHT"`

	// Per transaction family adapter deadlines.
	TimeoutFHIRRead  time.Duration `mapstructure:"TIMEOUT_FHIR_READ"`
	TimeoutFHIRWrite time.Duration `mapstructure:"TIMEOUT_FHIR_WRITE"`
	TimeoutFHIRBatch time.Duration `mapstructure:"TIMEOUT_FHIR_BATCH"`
	TimeoutX12       time.Duration `mapstructure:"TIMEOUT_X12"`
	TimeoutDocument  time.Duration `mapstructure:"TIMEOUT_DOCUMENT"`
	TimeoutDirect    time.Duration `mapstructure:"TIMEOUT_DIRECT"`
	TimeoutNetwork   time.Duration `mapstructure:"TIMEOUT_NETWORK"`

	DirectoryTTL     time.Duration `mapstructure:"DIRECTORY_TTL"`
	TokenRefreshSkew time.Duration `mapstructure:"TOKEN_REFRESH_SKEW"`

	// Local X12 interchange identity.
	X12SenderID        string `mapstructure:"X12_SENDER_ID"`
	X12SenderQualifier string `mapstructure:"X12_SENDER_QUALIFIER"`
	X12UsageIndicator  string `mapstructure:"X12_USAGE_INDICATOR"`

	// Local network identity for TEFCA/Carequality/CommonWell queries.
	HomeCommunityID string `mapstructure:"HOME_COMMUNITY_ID"`
	OrganizationOID string `mapstructure:"ORGANIZATION_OID"`

	// Hex encoded AES-256 key used to seal stored payloads.
	EncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	WebhookTimeout time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "STORAGE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "NATS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"DISPATCH_WORKERS", "DISPATCH_QUEUE_SIZE", "DEFAULT_MAX_RETRIES", "TIMEOUT_MAX_RETRIES",
	"BACKOFF_BASE", "BACKOFF_MAX", "PARTNER_RPS", "PARTNER_BURST", "PARTNER_MAX_IN_FLIGHT",
	"TIMEOUT_FHIR_READ", "TIMEOUT_FHIR_WRITE", "TIMEOUT_FHIR_BATCH", "TIMEOUT_X12",
	"TIMEOUT_DOCUMENT", "TIMEOUT_DIRECT", "TIMEOUT_NETWORK",
	"DIRECTORY_TTL", "TOKEN_REFRESH_SKEW",
	"X12_SENDER_ID", "X12_SENDER_QUALIFIER", "X12_USAGE_INDICATOR",
	"HOME_COMMUNITY_ID", "ORGANIZATION_OID", "HIPAA_ENCRYPTION_KEY", "WEBHOOK_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "interop")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DISPATCH_WORKERS", 16)
	v.SetDefault("DISPATCH_QUEUE_SIZE", 1024)
	v.SetDefault("DEFAULT_MAX_RETRIES", 3)
	v.SetDefault("TIMEOUT_MAX_RETRIES", 0)
	v.SetDefault("BACKOFF_BASE", "1s")
	v.SetDefault("BACKOFF_MAX", "5m")
	v.SetDefault("PARTNER_RPS", 10)
	v.SetDefault("PARTNER_BURST", 20)
	v.SetDefault("PARTNER_MAX_IN_FLIGHT", 8)
	v.SetDefault("TIMEOUT_FHIR_READ", "15s")
	v.SetDefault("TIMEOUT_FHIR_WRITE", "30s")
	v.SetDefault("TIMEOUT_FHIR_BATCH", "2m")
	v.SetDefault("TIMEOUT_X12", "2m")
	v.SetDefault("TIMEOUT_DOCUMENT", "60s")
	v.SetDefault("TIMEOUT_DIRECT", "60s")
	v.SetDefault("TIMEOUT_NETWORK", "60s")
	v.SetDefault("DIRECTORY_TTL", "5m")
	v.SetDefault("TOKEN_REFRESH_SKEW", "60s")
	v.SetDefault("X12_SENDER_QUALIFIER", "ZZ")
	v.SetDefault("X12_USAGE_INDICATOR", "P")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StorageBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether records are kept in Postgres rather than in process memory.
func (c *Config) UsesPostgres() bool {
	return c.StorageBackend == "postgres"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.StorageBackend != "postgres" && c.StorageBackend != "memory" {
		return fmt.Errorf("STORAGE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StorageBackend)
	}
	if c.IsProduction() && !c.UsesPostgres() {
		return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
	}
	if c.IsProduction() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY is required in production")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("DEFAULT_MAX_RETRIES must not be negative, got %d", c.DefaultMaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not exceed BACKOFF_MAX (%s > %s)", c.BackoffBase, c.BackoffMax)
	}
	if c.PartnerRPS <= 0 || c.PartnerBurst <= 0 || c.PartnerMaxInFlight <= 0 {
		return fmt.Errorf("PARTNER_RPS, PARTNER_BURST and PARTNER_MAX_IN_FLIGHT must be positive")
	}
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.X12SenderID != "" && len(c.X12SenderID) > 15 {
		return fmt.Errorf("X12_SENDER_ID must be at most 15 characters, got %d", len(c.X12SenderID))
	}
	return nil
}
