package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	PolicyPath string           `yaml:"policy_path"`
	DB         DBConfig         `yaml:"db"`
	SigningKey SigningKeyConfig `yaml:"signing_key"`
	Auth       AuthConfig       `yaml:"auth"`
	Lock       LockConfig       `yaml:"lock"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type AuthConfig struct {
	DevToken   string   `yaml:"dev_token"`
	DevSubject string   `yaml:"dev_subject"`
	DevRoles   []string `yaml:"dev_roles"`
	JWTSecret  string   `yaml:"jwt_secret"`
	Issuer     string   `yaml:"issuer"`
	// IngestRole is the role required to record document claims.
	IngestRole string `yaml:"ingest_role"`
}

type LockConfig struct {
	Driver        string        `yaml:"driver"` // local | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

type OutboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Publisher     string        `yaml:"publisher"` // log | nats | webhook
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	WebhookURL    string        `yaml:"webhook_url"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides file values with DEALLEDGER_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DEALLEDGER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DEALLEDGER_POLICY_PATH"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("DEALLEDGER_DB_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := os.Getenv("DEALLEDGER_DEV_TOKEN"); v != "" {
		c.Auth.DevToken = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "memory"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
	}
	if c.Lock.LeaseTTL == 0 {
		c.Lock.LeaseTTL = 10 * time.Second
	}
	if c.Outbox.Publisher == "" {
		c.Outbox.Publisher = "log"
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dealledger"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver=%s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}

	switch c.Lock.Driver {
	case "", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required when lock.driver=redis")
		}
	default:
		return fmt.Errorf("unsupported lock.driver %q", c.Lock.Driver)
	}

	if c.Outbox.Enabled {
		switch c.Outbox.Publisher {
		case "", "log":
		case "nats":
			if c.Outbox.NATSURL == "" {
				return fmt.Errorf("outbox.nats_url is required when outbox.publisher=nats")
			}
		case "webhook":
			if c.Outbox.WebhookURL == "" {
				return fmt.Errorf("outbox.webhook_url is required when outbox.publisher=webhook")
			}
		default:
			return fmt.Errorf("unsupported outbox.publisher %q", c.Outbox.Publisher)
		}
	}

	if c.Auth.DevToken == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.dev_token or auth.jwt_secret is required")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry.enabled=true")
	}
	if c.SigningKey.PrivateKeyPath != "" && c.SigningKey.KeyID == "" {
		return fmt.Errorf("signing_key.key_id is required with signing_key.private_key_path")
	}
	return nil
}
