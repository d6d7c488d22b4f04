package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Stream StreamConfig
	REST   RESTConfig
	Server ServerConfig
	Log    LogConfig
}

// StreamConfig holds the websocket stream and core-client configuration
type StreamConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	CoalesceWindow       time.Duration
	DepthLimit           int
}

// RESTConfig holds the snapshot-fetcher endpoints
type RESTConfig struct {
	KlineURL string
	DepthURL string
	Timeout  time.Duration
}

// ServerConfig holds the dashboard fan-out server configuration
type ServerConfig struct {
	Addr string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// Default returns the default configuration against the Binance public API
func Default() Config {
	return Config{
		Stream: StreamConfig{
			URL:                  "wss://stream.binance.com:9443/stream",
			MaxReconnectAttempts: 3,
			ReconnectDelay:       time.Second,
			CoalesceWindow:       50 * time.Millisecond,
			DepthLimit:           20,
		},
		REST: RESTConfig{
			KlineURL: "https://api.binance.com/api/v3/klines",
			DepthURL: "https://api.binance.com/api/v3/depth",
			Timeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8086",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads marketfeed.yaml from ./config or the working directory if
// present and applies MARKETFEED_* environment overrides on top of the
// defaults. A missing config file is not an error.
func Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("marketfeed")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETFEED")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
