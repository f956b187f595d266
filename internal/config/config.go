package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const devSecretKey = "dev_secret_key"

// Config holds all application configuration
type Config struct {
	NodeEnv   string
	Port      string
	SecretKey string
	BaseURL   string

	UDP      UDPConfig
	Bus      BusConfig
	Database DatabaseConfig
	SMTP     SMTPConfig
	Log      LogConfig
	Metrics  MetricsConfig

	// PeerExistsTTL bounds how long a cached peer existence check is trusted.
	PeerExistsTTL time.Duration
	// PresenceTimeout closes presence connections that stop sending pings.
	PresenceTimeout time.Duration
}

// UDPConfig holds the rendezvous listener configuration
type UDPConfig struct {
	Port int
	// PublicAddress is advertised to clients as the datagram target. Empty
	// means clients reuse the host they reached the HTTP API on.
	PublicAddress string
	// RatePerSecond and Burst limit datagrams per source address.
	RatePerSecond float64
	Burst         int
}

// BusConfig selects the bus backend
type BusConfig struct {
	Backend      string
	Path         string
	ReapInterval time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
	Debug    bool
}

// SMTPConfig holds outbound mail configuration. An empty Host logs mail
// instead of sending it.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds telemetry configuration
type MetricsConfig struct {
	Enabled      bool
	OTLPEndpoint string
}

// IsProduction reports whether NODE_ENV is production.
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// Load loads configuration from environment variables, after reading the
// given env files (default .env) when they exist.
func Load(envFiles ...string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		Port:      getEnv("PORT", "4000"),
		SecretKey: os.Getenv("SECRET_KEY"),
		BaseURL:   os.Getenv("BASE_URL"),
		Bus: BusConfig{
			Backend: getEnv("BUS_BACKEND", "memory"),
			Path:    getEnv("BUS_PATH", "./data/bus.db"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "peerlink"),
			SSLMode:  getEnv("PG_SSLMODE", "disable"),
			Debug:    getEnv("DB_DEBUG", "false") == "true",
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "no-reply@localhost"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Metrics: MetricsConfig{
			Enabled:      getEnv("METRICS_ENABLED", "true") == "true",
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}

	var err error
	if cfg.UDP.Port, err = getEnvInt("UDP_PORT", 9669); err != nil {
		return nil, err
	}
	cfg.UDP.PublicAddress = os.Getenv("UDP_PUBLIC_ADDRESS")
	if cfg.UDP.RatePerSecond, err = getEnvFloat("UDP_RATE", 20); err != nil {
		return nil, err
	}
	if cfg.UDP.Burst, err = getEnvInt("UDP_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.Bus.ReapInterval, err = getEnvDuration("BUS_REAP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PeerExistsTTL, err = getEnvDuration("PEER_EXISTS_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PresenceTimeout, err = getEnvDuration("PRESENCE_TIMEOUT", 3*time.Minute); err != nil {
		return nil, err
	}

	if cfg.SecretKey == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("SECRET_KEY is required in production")
		}
		slog.Warn("SECRET_KEY not set, using development secret")
		cfg.SecretKey = devSecretKey
	}

	return cfg, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
