package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Redis     RedisConfig     `json:"redis"`
	Tracing   TracingConfig   `json:"tracing"`
	Rewards   RewardsConfig   `json:"rewards"`
	Engine    EngineConfig    `json:"engine"`
	Logging   LoggingConfig   `json:"logging"`
	Features  FeaturesConfig  `json:"features"`
}

type ServerConfig struct {
	Port      string `json:"port"`
	Host      string `json:"host"`
	EnableTLS bool   `json:"enable_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type SecurityConfig struct {
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Comma-separated.
	AllowedOrigins string `json:"allowed_origins"`
}

type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // seconds
}

// RedisConfig configures the campaign cache. An empty Addr uses the
// in-process cache.
type RedisConfig struct {
	Addr     string   `json:"addr"`
	Password string   `json:"password"`
	DB       int      `json:"db"`
	Prefix   string   `json:"prefix"`
	TTL      Duration `json:"ttl"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
}

const (
	RewardsModeMock = "mock"
	RewardsModeHTTP = "http"
)

type RewardsConfig struct {
	Mode     string   `json:"mode"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Timeout  Duration `json:"timeout"`
}

type EngineConfig struct {
	IssueTimeout    Duration `json:"issue_timeout"`
	StoreTimeout    Duration `json:"store_timeout"`
	RateSampleLimit int64    `json:"rate_sample_limit"`
	// Timezone is an IANA name used for day-of-week, time windows and daily
	// caps. Empty means the server's local zone.
	Timezone string `json:"timezone"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

type FeaturesConfig struct {
	CampaignCache  bool `json:"campaign_cache"`
	DecisionEvents bool `json:"decision_events"`
	SimulatorAPI   bool `json:"simulator_api"`
}

// Duration is a time.Duration that reads "1.5s" style strings or a number of
// seconds from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration")
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Database: DatabaseConfig{Path: "./reward_decisions.db"},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{Enabled: true, Rate: 100, Window: 60},
		Redis: RedisConfig{
			Prefix: "rde:",
			TTL:    Duration{30 * time.Second},
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			Environment: "development",
		},
		Rewards: RewardsConfig{
			Mode:    RewardsModeMock,
			Timeout: Duration{10 * time.Second},
		},
		Engine: EngineConfig{
			IssueTimeout:    Duration{10 * time.Second},
			StoreTimeout:    Duration{5 * time.Second},
			RateSampleLimit: 10000,
		},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Features: FeaturesConfig{CampaignCache: true, DecisionEvents: true, SimulatorAPI: true},
	}
}

// LoadConfig loads configuration from defaults, an optional JSON file, and
// environment variables, in increasing precedence.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// overrideFromEnv applies every set environment variable to cfg.
func overrideFromEnv(cfg *Config) error {
	strs := map[string]*string{
		"SERVER_PORT":          &cfg.Server.Port,
		"SERVER_HOST":          &cfg.Server.Host,
		"SERVER_CERT_FILE":     &cfg.Server.CertFile,
		"SERVER_KEY_FILE":      &cfg.Server.KeyFile,
		"DATABASE_PATH":        &cfg.Database.Path,
		"ALLOWED_ORIGINS":      &cfg.Security.AllowedOrigins,
		"REDIS_ADDR":           &cfg.Redis.Addr,
		"REDIS_PASSWORD":       &cfg.Redis.Password,
		"REDIS_PREFIX":         &cfg.Redis.Prefix,
		"TRACING_ENDPOINT":     &cfg.Tracing.Endpoint,
		"TRACING_SERVICE_NAME": &cfg.Tracing.ServiceName,
		"TRACING_ENVIRONMENT":  &cfg.Tracing.Environment,
		"REWARDS_MODE":         &cfg.Rewards.Mode,
		"REWARDS_ENDPOINT":     &cfg.Rewards.Endpoint,
		"REWARDS_API_KEY":      &cfg.Rewards.APIKey,
		"ENGINE_TIMEZONE":      &cfg.Engine.Timezone,
		"LOG_LEVEL":            &cfg.Logging.Level,
		"LOG_FORMAT":           &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"SERVER_ENABLE_TLS":       &cfg.Server.EnableTLS,
		"RATE_LIMIT_ENABLED":      &cfg.RateLimit.Enabled,
		"TRACING_ENABLED":         &cfg.Tracing.Enabled,
		"FEATURE_CAMPAIGN_CACHE":  &cfg.Features.CampaignCache,
		"FEATURE_DECISION_EVENTS": &cfg.Features.DecisionEvents,
		"FEATURE_SIMULATOR_API":   &cfg.Features.SimulatorAPI,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			*dst = parseBool(v)
		}
	}

	ints := map[string]*int{
		"RATE_LIMIT_RATE":   &cfg.RateLimit.Rate,
		"RATE_LIMIT_WINDOW": &cfg.RateLimit.Window,
		"REDIS_DB":          &cfg.Redis.DB,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = i
		}
	}

	int64s := map[string]*int64{
		"MAX_REQUEST_BODY_SIZE":    &cfg.Security.MaxRequestBodySize,
		"ENGINE_RATE_SAMPLE_LIMIT": &cfg.Engine.RateSampleLimit,
	}
	for key, dst := range int64s {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = i
		}
	}

	durations := map[string]*Duration{
		"SERVER_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
		"REDIS_TTL":               &cfg.Redis.TTL,
		"REWARDS_TIMEOUT":         &cfg.Rewards.Timeout,
		"ENGINE_ISSUE_TIMEOUT":    &cfg.Engine.IssueTimeout,
		"ENGINE_STORE_TIMEOUT":    &cfg.Engine.StoreTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			dst.Duration = d
		}
	}
	return nil
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// Location resolves Engine.Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("TLS requires both cert_file and key_file")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	switch c.Rewards.Mode {
	case RewardsModeMock:
	case RewardsModeHTTP:
		if c.Rewards.Endpoint == "" {
			return fmt.Errorf("rewards endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("unknown rewards mode %q", c.Rewards.Mode)
	}
	if c.Engine.IssueTimeout.Duration <= 0 || c.Engine.StoreTimeout.Duration <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}
	if c.Redis.TTL.Duration < 0 {
		return fmt.Errorf("redis ttl must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid engine timezone: %w", err)
	}
	return nil
}
