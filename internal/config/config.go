package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Registry RegistryConfig `mapstructure:"registry"`
	Batcher  BatcherConfig  `mapstructure:"batcher"`
	Detector DetectorConfig `mapstructure:"detector"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	BondTTLSeconds int    `mapstructure:"bond_ttl_seconds"`
}

type LedgerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type RegistryConfig struct {
	LivenessWindowSeconds int     `mapstructure:"liveness_window_seconds"`
	SweepIntervalSeconds  int     `mapstructure:"sweep_interval_seconds"`
	GatewayQPS            float64 `mapstructure:"gateway_qps"`
	GatewayBurst          int     `mapstructure:"gateway_burst"`
}

type BatcherConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	MaxBatchSize    int `mapstructure:"max_batch_size"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	BackoffBaseMs   int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs    int `mapstructure:"backoff_max_ms"`
}

type DetectorConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (c RegistryConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSeconds) * time.Second
}

func (c RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c BatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c BatcherConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c BatcherConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c DetectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c LedgerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c RedisConfig) BondTTL() time.Duration {
	return time.Duration(c.BondTTLSeconds) * time.Second
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. MACHPAY_LEDGER_BASE_URL
	viper.SetEnvPrefix("machpay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8090")
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("redis.bond_ttl_seconds", 30)
	viper.SetDefault("ledger.base_url", "http://localhost:8899")
	viper.SetDefault("ledger.timeout_ms", 10000)
	viper.SetDefault("registry.liveness_window_seconds", 90)
	viper.SetDefault("registry.sweep_interval_seconds", 15)
	viper.SetDefault("registry.gateway_qps", 50)
	viper.SetDefault("registry.gateway_burst", 100)
	viper.SetDefault("batcher.interval_seconds", 10)
	viper.SetDefault("batcher.max_batch_size", 500)
	viper.SetDefault("batcher.max_attempts", 5)
	viper.SetDefault("batcher.backoff_base_ms", 2000)
	viper.SetDefault("batcher.backoff_max_ms", 300000)
	viper.SetDefault("detector.interval_seconds", 5)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
