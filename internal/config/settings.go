package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/dyluth/groundlink/internal/critical"
)

// Settings are the process-level settings, read from the environment and
// command-line flags.
type Settings struct {
	RedisURL             string  `mapstructure:"redis_url"`
	Scope                string  `mapstructure:"scope"`
	ConfigPath           string  `mapstructure:"groundlink_config"`
	OptimizeThroughput   float64 `mapstructure:"optimize_throughput"`             // Seconds between batched topic writes; 0 writes directly
	SyncPacketCountDelay float64 `mapstructure:"sync_packet_count_delay_seconds"` // <= 0 selects strict counting
	ClusterMode          bool    `mapstructure:"cluster_mode"`
	CriticalCommanding   string  `mapstructure:"critical_commanding"`
	LogLevel             string  `mapstructure:"log_level"`
	LogFormat            string  `mapstructure:"log_format"`
	LogFile              string  `mapstructure:"log_file"`
	LogMaxSizeMB         int     `mapstructure:"log_max_size_mb"`
	LogMaxBackups        int     `mapstructure:"log_max_backups"`
	LogMaxAgeDays        int     `mapstructure:"log_max_age_days"`
	StreamLogDir         string  `mapstructure:"stream_log_dir"`
	HealthAddr           string  `mapstructure:"health_addr"`
	TopicMaxLen          int64   `mapstructure:"topic_max_len"`
}

var defaults = map[string]any{
	"redis_url":                       "redis://localhost:6379/0",
	"scope":                           "DEFAULT",
	"groundlink_config":               "groundlink.yml",
	"optimize_throughput":             0.0,
	"sync_packet_count_delay_seconds": 1.0,
	"cluster_mode":                    false,
	"critical_commanding":             "OFF",
	"log_level":                       "info",
	"log_format":                      "text",
	"log_file":                        "",
	"log_max_size_mb":                 100,
	"log_max_backups":                 5,
	"log_max_age_days":                30,
	"stream_log_dir":                  "",
	"health_addr":                     ":8080",
	"topic_max_len":                   10000,
}

// NewViper returns a viper instance with every setting defaulted and bound
// to its upper-case environment variable (REDIS_URL, SCOPE, ...).
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadSettings decodes and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Scope) == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	if _, err := critical.ParsePolicy(s.CriticalCommanding); err != nil {
		return err
	}
	if _, err := s.RedisOptions(); err != nil {
		return err
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", s.LogFormat)
	}
	if s.OptimizeThroughput < 0 {
		return fmt.Errorf("optimize_throughput must be >= 0, got %v", s.OptimizeThroughput)
	}
	return nil
}

// RedisOptions parses RedisURL.
func (s *Settings) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %q: %w", s.RedisURL, err)
	}
	return opts, nil
}

// Policy returns the configured critical commanding policy.
func (s *Settings) Policy() critical.Policy {
	p, _ := critical.ParsePolicy(s.CriticalCommanding)
	return p
}

// PublishInterval is the batched topic write interval; zero means direct writes.
func (s *Settings) PublishInterval() time.Duration {
	return seconds(s.OptimizeThroughput)
}

// CounterDelay is the received count flush interval; zero or negative
// means strict counting.
func (s *Settings) CounterDelay() time.Duration {
	return seconds(s.SyncPacketCountDelay)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
