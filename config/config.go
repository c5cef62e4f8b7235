package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trading-engine/internal/allocator"
	"trading-engine/internal/api"
	"trading-engine/internal/circuit"
	"trading-engine/internal/engine"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/metrics"
	"trading-engine/internal/risk"
	"trading-engine/internal/vault"
)

// Config is the full process configuration. Values come from config.json
// (or the file named by CONFIG_FILE), with environment variables taking
// precedence.
type Config struct {
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	VenueConfigs     []VenueConfig    `json:"venues"`
	RiskConfig       RiskConfig       `json:"risk"`
	AllocatorConfig  allocator.Config `json:"allocator"`
	MetricsConfig    metrics.Config   `json:"metrics"`
	EngineConfig     EngineConfig     `json:"engine"`
	CircuitConfig    circuit.Config   `json:"circuit_breaker"`
	GovernanceConfig GovernanceConfig `json:"governance"`
	ControlConfig    ControlConfig    `json:"control"`
	ServerConfig     api.ServerConfig `json:"server"`
	AuthConfig       AuthConfig       `json:"auth"`
	VaultConfig      vault.Config     `json:"vault"`
	TelemetryConfig  TelemetryConfig  `json:"telemetry"`
	LoggingConfig    logging.Config   `json:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// ToLedgerConfig converts to the ledger package's connection config
func (c DatabaseConfig) ToLedgerConfig() ledger.Config {
	return ledger.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
	}
}

// RedisConfig holds Redis settings for the idempotency store. With Enabled
// false the control plane falls back to the in-memory store.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VenueConfig describes one trading venue connection and its tradable
// symbols. Symbols feed the risk gate's allowlist at startup.
type VenueConfig struct {
	Name    string   `json:"name"`
	Driver  string   `json:"driver"` // only "mock" ships in this repo
	Symbols []string `json:"symbols"`
}

// RiskConfig holds pre-trade check settings
type RiskConfig struct {
	Rails       risk.Rails             `json:"rails"`
	RateLimiter risk.RateLimiterConfig `json:"rate_limiter"`
}

// EngineConfig holds order execution settings
type EngineConfig struct {
	SubmitMaxElapsedSecs int `json:"submit_max_elapsed_secs"`
	CancelMaxAttempts    int `json:"cancel_max_attempts"`
	WorkerQueueDepth     int `json:"worker_queue_depth"`
	EquitySampleSecs     int `json:"equity_sample_secs"`
	ReviewRemindSecs     int `json:"review_remind_secs"`
}

// ToEngineConfig converts to the engine package's config
func (c EngineConfig) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if c.SubmitMaxElapsedSecs > 0 {
		cfg.SubmitMaxElapsed = time.Duration(c.SubmitMaxElapsedSecs) * time.Second
	}
	if c.CancelMaxAttempts > 0 {
		cfg.CancelMaxAttempts = c.CancelMaxAttempts
	}
	if c.WorkerQueueDepth > 0 {
		cfg.WorkerQueueDepth = c.WorkerQueueDepth
	}
	return cfg
}

// GovernanceConfig locates the rule file and names the starting model
type GovernanceConfig struct {
	PolicyPath   string `json:"policy_path"`
	ModelVersion string `json:"model_version"`
}

// ControlConfig holds control-plane command settings
type ControlConfig struct {
	RetentionHours int `json:"retention_hours"`
	ReplayWaitMs   int `json:"replay_wait_ms"`
}

// AuthConfig holds operator authentication settings
type AuthConfig struct {
	JWTSecret         string `json:"jwt_secret"`
	TokenDurationMins int    `json:"token_duration_mins"`
}

// TelemetryConfig holds event export settings
type TelemetryConfig struct {
	EventLogPath string `json:"event_log_path"` // empty means stdout
	WSEnabled    bool   `json:"ws_enabled"`
}

// Load reads config.json if present and applies environment overrides
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if len(c.VenueConfigs) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	for _, v := range c.VenueConfigs {
		if v.Name == "" {
			return fmt.Errorf("venue with empty name")
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("venue %s has no symbols", v.Name)
		}
	}
	if len(c.AllocatorConfig.Strategies) == 0 {
		return fmt.Errorf("allocator requires at least one strategy")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Venue API
// credentials are never read here; they come from Vault or the per-venue
// VENUE_<NAME>_API_KEY variables resolved at adapter construction.
func applyEnvOverrides(cfg *Config) {
	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "trading"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "trading_engine"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Risk config
	if cfg.RiskConfig.Rails.MaxNotional == 0 {
		cfg.RiskConfig.Rails = risk.DefaultRails()
	}
	cfg.RiskConfig.Rails.MinNotional = getEnvFloatOrDefault("RISK_MIN_NOTIONAL", cfg.RiskConfig.Rails.MinNotional)
	cfg.RiskConfig.Rails.MaxNotional = getEnvFloatOrDefault("RISK_MAX_NOTIONAL", cfg.RiskConfig.Rails.MaxNotional)
	if cfg.RiskConfig.RateLimiter.RatePerSecond == 0 {
		cfg.RiskConfig.RateLimiter = risk.DefaultRateLimiterConfig()
	}
	cfg.RiskConfig.RateLimiter.Enabled = getEnvBoolOrDefault("RISK_RATE_LIMITER_ENABLED", cfg.RiskConfig.RateLimiter.Enabled)

	// Allocator config
	if cfg.AllocatorConfig.InitialBudget == 0 {
		strategies := cfg.AllocatorConfig.Strategies
		cfg.AllocatorConfig = allocator.DefaultConfig()
		cfg.AllocatorConfig.Strategies = strategies
	}
	if raw := os.Getenv("ALLOCATOR_STRATEGIES"); raw != "" {
		cfg.AllocatorConfig.Strategies = splitCSV(raw)
	}
	cfg.AllocatorConfig.IntervalSeconds = getEnvIntOrDefault("ALLOCATOR_INTERVAL_SECS", cfg.AllocatorConfig.IntervalSeconds)

	// Metrics config
	if cfg.MetricsConfig.IntervalSeconds == 0 {
		cfg.MetricsConfig = metrics.DefaultConfig()
	}
	cfg.MetricsConfig.IntervalSeconds = getEnvIntOrDefault("METRICS_INTERVAL_SECS", cfg.MetricsConfig.IntervalSeconds)

	// Engine config
	cfg.EngineConfig.SubmitMaxElapsedSecs = getEnvIntOrDefault("ENGINE_SUBMIT_MAX_ELAPSED_SECS", defaultInt(cfg.EngineConfig.SubmitMaxElapsedSecs, 15))
	cfg.EngineConfig.CancelMaxAttempts = getEnvIntOrDefault("ENGINE_CANCEL_MAX_ATTEMPTS", defaultInt(cfg.EngineConfig.CancelMaxAttempts, 3))
	cfg.EngineConfig.WorkerQueueDepth = getEnvIntOrDefault("ENGINE_WORKER_QUEUE_DEPTH", defaultInt(cfg.EngineConfig.WorkerQueueDepth, 128))
	cfg.EngineConfig.EquitySampleSecs = getEnvIntOrDefault("ENGINE_EQUITY_SAMPLE_SECS", defaultInt(cfg.EngineConfig.EquitySampleSecs, 60))
	cfg.EngineConfig.ReviewRemindSecs = getEnvIntOrDefault("ENGINE_REVIEW_REMIND_SECS", defaultInt(cfg.EngineConfig.ReviewRemindSecs, 300))

	// Circuit breaker config
	cfg.CircuitConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", true)
	cfg.CircuitConfig.MaxConsecutiveFails = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_FAILS", defaultInt(cfg.CircuitConfig.MaxConsecutiveFails, 5))
	cfg.CircuitConfig.CooldownSeconds = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SECONDS", defaultInt(cfg.CircuitConfig.CooldownSeconds, 30))

	// Governance config
	cfg.GovernanceConfig.PolicyPath = getEnvOrDefault("GOVERNANCE_POLICY_PATH", defaultStr(cfg.GovernanceConfig.PolicyPath, "policy.yaml"))
	cfg.GovernanceConfig.ModelVersion = getEnvOrDefault("GOVERNANCE_MODEL_VERSION", defaultStr(cfg.GovernanceConfig.ModelVersion, "baseline-v1"))

	// Control config
	cfg.ControlConfig.RetentionHours = getEnvIntOrDefault("CONTROL_RETENTION_HOURS", defaultInt(cfg.ControlConfig.RetentionHours, 24))
	cfg.ControlConfig.ReplayWaitMs = getEnvIntOrDefault("CONTROL_REPLAY_WAIT_MS", defaultInt(cfg.ControlConfig.ReplayWaitMs, 2000))

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.RateLimit = getEnvIntOrDefault("SERVER_RATE_LIMIT", defaultInt(cfg.ServerConfig.RateLimit, 60))
	cfg.ServerConfig.RateWindowSecs = getEnvIntOrDefault("SERVER_RATE_WINDOW_SECS", defaultInt(cfg.ServerConfig.RateWindowSecs, 60))

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDurationMins = getEnvIntOrDefault("AUTH_TOKEN_DURATION_MINS", defaultInt(cfg.AuthConfig.TokenDurationMins, 60))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Telemetry config
	cfg.TelemetryConfig.EventLogPath = getEnvOrDefault("TELEMETRY_EVENT_LOG", cfg.TelemetryConfig.EventLogPath)
	cfg.TelemetryConfig.WSEnabled = getEnvBoolOrDefault("TELEMETRY_WS_ENABLED", true)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", true)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStr(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func defaultInt(current, fallback int) int {
	if current > 0 {
		return current
	}
	return fallback
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter configuration file
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading",
			Password: "change_me",
			Database: "trading_engine",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled: true,
			Address: "localhost:6379",
		},
		VenueConfigs: []VenueConfig{
			{Name: "mock", Driver: "mock", Symbols: []string{"BTCUSDT", "ETHUSDT"}},
		},
		RiskConfig: RiskConfig{
			Rails:       risk.DefaultRails(),
			RateLimiter: risk.DefaultRateLimiterConfig(),
		},
		AllocatorConfig: func() allocator.Config {
			c := allocator.DefaultConfig()
			c.Strategies = []string{"trend-1", "meanrev-1"}
			return c
		}(),
		MetricsConfig: metrics.DefaultConfig(),
		GovernanceConfig: GovernanceConfig{
			PolicyPath:   "policy.yaml",
			ModelVersion: "baseline-v1",
		},
		ServerConfig: api.ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			RateLimit: 60,
		},
		LoggingConfig: logging.Config{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
