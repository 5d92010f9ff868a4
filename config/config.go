package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	CacheConfig    CacheConfig    `json:"cache"`
	ExchangeConfig ExchangeConfig `json:"exchange"`
	AuthConfig     AuthConfig     `json:"auth"`
	EngineConfig   EngineConfig   `json:"engine"`
	PayoutConfig   PayoutConfig   `json:"payout"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	ProductionMode  bool          `json:"production_mode"`
}

type DatabaseConfig struct {
	URL string `json:"url"`
}

type CacheConfig struct {
	URL string `json:"url"`
}

// ExchangeConfig holds the external market-data source endpoints
type ExchangeConfig struct {
	RESTURL   string `json:"rest_url"`
	StreamURL string `json:"stream_url"`
}

// AuthConfig holds session gateway configuration
type AuthConfig struct {
	BotToken        string        `json:"bot_token"`
	JWTSigningKey   string        `json:"jwt_signing_key"`
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	InitDataMaxAge  time.Duration `json:"init_data_max_age"`
}

// EngineConfig holds price feed and risk evaluator tuning
type EngineConfig struct {
	PriceStaleAfter    time.Duration `json:"price_stale_after"`
	EvalTick           time.Duration `json:"eval_tick"`
	MaxEvalConcurrency int           `json:"max_eval_concurrency"`
	TrackedSymbols     []string      `json:"tracked_symbols"`
}

type PayoutConfig struct {
	MinPayout float64 `json:"min_payout"`
}

// VaultConfig holds optional HashiCorp Vault configuration; when Address is
// empty, secrets come from the environment
type VaultConfig struct {
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
}

// DefaultSymbols is the static set of tracked USDT-perpetual symbols.
var DefaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT", "TONUSDT",
}

func Load() (*Config, error) {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = splitCSV(getEnvOrDefault("ALLOWED_ORIGINS", "*"))
	cfg.ServerConfig.ReadTimeout = getEnvDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	cfg.ServerConfig.WriteTimeout = getEnvDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	cfg.ServerConfig.RequestTimeout = getEnvDurationOrDefault("SERVER_REQUEST_TIMEOUT", 15*time.Second)
	cfg.ServerConfig.ShutdownTimeout = getEnvDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION", "false") == "true"

	cfg.DatabaseConfig.URL = getEnvOrDefault("DB_URL", "")
	cfg.CacheConfig.URL = getEnvOrDefault("CACHE_URL", "redis://localhost:6379/0")

	cfg.ExchangeConfig.RESTURL = getEnvOrDefault("EXCHANGE_REST_URL", "https://api.binance.com")
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", "wss://stream.binance.com:9443")

	cfg.AuthConfig.BotToken = getEnvOrDefault("PLATFORM_BOT_TOKEN", "")
	cfg.AuthConfig.JWTSigningKey = getEnvOrDefault("JWT_SIGNING_KEY", "")
	cfg.AuthConfig.AccessTokenTTL = time.Duration(getEnvIntOrDefault("ACCESS_TTL_S", 900)) * time.Second
	cfg.AuthConfig.RefreshTokenTTL = time.Duration(getEnvIntOrDefault("REFRESH_TTL_S", 30*24*3600)) * time.Second
	cfg.AuthConfig.InitDataMaxAge = getEnvDurationOrDefault("INIT_DATA_MAX_AGE", 24*time.Hour)

	cfg.EngineConfig.PriceStaleAfter = time.Duration(getEnvIntOrDefault("PRICE_STALE_MS", 5000)) * time.Millisecond
	cfg.EngineConfig.EvalTick = time.Duration(getEnvIntOrDefault("EVAL_TICK_MS", 1000)) * time.Millisecond
	cfg.EngineConfig.MaxEvalConcurrency = getEnvIntOrDefault("MAX_EVAL_CONCURRENCY", defaultEvalConcurrency())
	cfg.EngineConfig.TrackedSymbols = splitCSV(getEnvOrDefault("TRACKED_SYMBOLS", strings.Join(DefaultSymbols, ",")))

	cfg.PayoutConfig.MinPayout = getEnvFloatOrDefault("MIN_PAYOUT", 100)

	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "prop-engine")

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Format = getEnvOrDefault("LOG_FORMAT", "json")
}

// Validate checks required settings are present. Secrets may still arrive
// from Vault after Load, so they are only required when Vault is not set.
func (c *Config) Validate() error {
	if c.DatabaseConfig.URL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.VaultConfig.Address == "" {
		if c.AuthConfig.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required")
		}
		if c.AuthConfig.BotToken == "" {
			return fmt.Errorf("PLATFORM_BOT_TOKEN is required")
		}
	}
	if len(c.EngineConfig.TrackedSymbols) == 0 {
		return fmt.Errorf("TRACKED_SYMBOLS must not be empty")
	}
	if c.EngineConfig.MaxEvalConcurrency < 1 {
		return fmt.Errorf("MAX_EVAL_CONCURRENCY must be >= 1")
	}
	return nil
}

func defaultEvalConcurrency() int {
	n := runtime.NumCPU() * 2
	if n > 32 {
		n = 32
	}
	if n < 1 {
		n = 1
	}
	return n
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
