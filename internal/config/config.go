package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Remote     RemoteConfig     `yaml:"remote"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	UserID      string `yaml:"user_id"`
}

// SyncConfig is the process-wide sync engine surface, set once at startup.
type SyncConfig struct {
	AutoSyncIntervalMs int    `yaml:"auto_sync_interval_ms"`
	BatchSize          int    `yaml:"batch_size"`
	MaxRetries         int    `yaml:"max_retries"`
	ConflictResolution string `yaml:"conflict_resolution"`
	EnableRealtime     *bool  `yaml:"enable_realtime"`
	EnableOffline      *bool  `yaml:"enable_offline"`
	RedrainDelayMs     int    `yaml:"redrain_delay_ms"`
	DirectWriteMs      int    `yaml:"direct_write_ms"`
}

type QueueConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	Backend         string  `yaml:"backend"`
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	ProbeIntervalMs int     `yaml:"probe_interval_ms"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	Failover        bool    `yaml:"failover"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Remote backend kinds.
const (
	BackendMemory = "memory"
	BackendREST   = "rest"
	BackendRedis  = "redis"
)

func Load(configPath string) (*Config, error) {
	// .env is optional; environment may already be populated.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Substitute ${VAR} references before decoding.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) Validate() error {
	if c.App.UserID == "" {
		return errors.New("app.user_id is required")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}

	switch c.Sync.ConflictResolution {
	case "local_wins", "remote_wins", "merge", "ask_user":
	default:
		return fmt.Errorf("unknown conflict_resolution: %s", c.Sync.ConflictResolution)
	}

	switch c.Remote.Backend {
	case BackendMemory:
	case BackendREST:
		if c.Remote.BaseURL == "" {
			return errors.New("remote.base_url is required for the rest backend")
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown remote backend: %s", c.Remote.Backend)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "promptsync"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}

	if c.Sync.AutoSyncIntervalMs == 0 {
		c.Sync.AutoSyncIntervalMs = 30000
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 10
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.ConflictResolution == "" {
		c.Sync.ConflictResolution = "local_wins"
	}
	if c.Sync.EnableRealtime == nil {
		c.Sync.EnableRealtime = boolPtr(true)
	}
	if c.Sync.EnableOffline == nil {
		c.Sync.EnableOffline = boolPtr(true)
	}
	if c.Sync.RedrainDelayMs == 0 {
		c.Sync.RedrainDelayMs = 500
	}
	if c.Sync.DirectWriteMs == 0 {
		c.Sync.DirectWriteMs = 10000
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "data/sync_queue.json"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "data/workbench.db"
	}

	if c.Remote.Backend == "" {
		c.Remote.Backend = BackendMemory
	}
	if c.Remote.TimeoutMs == 0 {
		c.Remote.TimeoutMs = 10000
	}
	if c.Remote.ProbeIntervalMs == 0 {
		c.Remote.ProbeIntervalMs = 5000
	}

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

func boolPtr(v bool) *bool { return &v }
