package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Backend struct {
		URL     string
		APIKey  string `mapstructure:"api_key"`
		Timeout time.Duration
	}
	Stream struct {
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	}
	Throttle struct {
		Window        time.Duration
		ProgressDelta float64       `mapstructure:"progress_delta"`
		SpeedDelta    float64       `mapstructure:"speed_delta"`
		BatchSize     int           `mapstructure:"batch_size"`
		BatchDelay    time.Duration `mapstructure:"batch_delay"`
	}
	Metrics struct {
		Capacity      int
		FlushSchedule string `mapstructure:"flush_schedule"`
	}
	Health struct {
		Interval time.Duration
	}
	Archive struct {
		Bucket    string
		KeyPrefix string `mapstructure:"key_prefix"`
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
// Variables already present in the environment win over the .env file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return load(".")
}

func load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAGNETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("database.path", "data/magnet-sync.db")
	v.SetDefault("backend.url", "http://localhost:8080")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("stream.reconnect_delay", 3*time.Second)
	v.SetDefault("throttle.window", 500*time.Millisecond)
	v.SetDefault("throttle.progress_delta", 1.0)
	v.SetDefault("throttle.speed_delta", 10000.0)
	v.SetDefault("throttle.batch_size", 10)
	v.SetDefault("throttle.batch_delay", 50*time.Millisecond)
	v.SetDefault("metrics.capacity", 100)
	v.SetDefault("metrics.flush_schedule", "@every 30s")
	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.key_prefix", "magnet-downloads")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(configPath)
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(cfg.Backend.URL), "/")
	if cfg.Backend.URL == "" {
		return Config{}, fmt.Errorf("backend url is required")
	}

	return cfg, nil
}
