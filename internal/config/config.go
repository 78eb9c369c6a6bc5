package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Backend endpoints
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:5000/api"`
	WSURL      string `env:"WS_URL" envDefault:"ws://localhost:8765"`

	// Request channel
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	ConfigRetryMax   int           `env:"CONFIG_RETRY_MAX" envDefault:"4"`
	ConfigRetryDelay time.Duration `env:"CONFIG_RETRY_DELAY" envDefault:"500ms"` // doubled per attempt, capped below
	ConfigRetryCap   time.Duration `env:"CONFIG_RETRY_CAP" envDefault:"5s"`

	// Event channel
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	SettleDelay       time.Duration `env:"SETTLE_DELAY" envDefault:"500ms"`
	AuthRetryDelay    time.Duration `env:"AUTH_RETRY_DELAY" envDefault:"1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	MaxSilence        time.Duration `env:"MAX_SILENCE" envDefault:"30s"`
	ReconnectBase     time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectCap      time.Duration `env:"RECONNECT_CAP" envDefault:"30s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`

	// Store
	CheckSettleDelay time.Duration `env:"CHECK_SETTLE_DELAY" envDefault:"1s"`
	ImportTimeout    time.Duration `env:"IMPORT_TIMEOUT" envDefault:"30s"`

	// Local cache
	CachePath string `env:"CACHE_PATH" envDefault:"./data/firemail.db"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if !strings.HasPrefix(cfg.WSURL, "ws://") && !strings.HasPrefix(cfg.WSURL, "wss://") {
		return nil, fmt.Errorf("WS_URL must use ws:// or wss:// scheme, got %q", cfg.WSURL)
	}
	if cfg.ReconnectAttempts < 1 {
		return nil, fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1, got %d", cfg.ReconnectAttempts)
	}

	return cfg, nil
}
