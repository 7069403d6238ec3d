package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the probe and the stub server
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Identity  IdentityConfig  `yaml:"identity"`
	DeepLinks DeepLinksConfig `yaml:"deeplinks"`
	Lock      LockConfig      `yaml:"lock"`
	Outcomes  OutcomesConfig  `yaml:"outcomes"`
	Stub      StubConfig      `yaml:"stub"`
}

// TrackerConfig holds conversion-tracking API settings
type TrackerConfig struct {
	DevToken        string `yaml:"dev_token"`
	LinkID          string `yaml:"link_id"`
	Endpoint        string `yaml:"endpoint"`
	AppVersion      string `yaml:"app_version"`
	OSVersion       string `yaml:"os_version"`
	SDKVersion      string `yaml:"sdk_version"`
	IDType          string `yaml:"id_type"`
	BackoffSchedule []int  `yaml:"backoff_schedule"` // seconds
	TryTimes        int    `yaml:"try_times"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-attempt timeout as a duration
func (c TrackerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IdentityConfig holds the device identity the probe reports
type IdentityConfig struct {
	AdvertisingID   string `yaml:"advertising_id"`
	LimitAdTracking bool   `yaml:"limit_ad_tracking"`
}

// DeepLinksConfig holds deferred deep-link resolution settings.
// ServiceURL wins over the static map when both are set.
type DeepLinksConfig struct {
	Enabled        bool             `yaml:"enabled"`
	LookbackDays   int              `yaml:"lookback_days"`
	ServiceURL     string           `yaml:"service_url"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
	Static         map[int64]string `yaml:"static"`
}

// Timeout returns the resolver timeout as a duration
func (c DeepLinksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LockConfig selects the one-in-flight guard backend
type LockConfig struct {
	Key         string `yaml:"key"`
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
}

// TTL returns the lock TTL as a duration
func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// OutcomesConfig holds outcome event publishing settings
type OutcomesConfig struct {
	SQSQueueURL string `yaml:"sqs_queue_url"`
}

// StubConfig holds settings for the local conversion-tracking stub
type StubConfig struct {
	Port                  int                  `yaml:"port"`
	DevToken              string               `yaml:"dev_token"`
	ClockToleranceSeconds int                  `yaml:"clock_tolerance_seconds"`
	Installs              map[string][]AdClick `yaml:"installs"`
	DeepLinks             map[int64]string     `yaml:"deeplinks"`
}

// AdClick is one fixture ad click for the stub. AgeHours is measured back
// from the stub's clock at startup.
type AdClick struct {
	CampaignID   int64   `yaml:"campaign_id"`
	CampaignName string  `yaml:"campaign_name"`
	AdGroupID    int64   `yaml:"ad_group_id"`
	AdGroupName  string  `yaml:"ad_group_name"`
	AgeHours     float64 `yaml:"age_hours"`
}

// ClockTolerance returns the stub's clock tolerance as a duration
func (c StubConfig) ClockTolerance() time.Duration {
	return time.Duration(c.ClockToleranceSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Set defaults
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Tracker.TryTimes == 0 {
		cfg.Tracker.TryTimes = 5
	}
	if cfg.Tracker.TimeoutSeconds == 0 {
		cfg.Tracker.TimeoutSeconds = 60
	}
	if cfg.DeepLinks.LookbackDays == 0 {
		cfg.DeepLinks.LookbackDays = 30
	}
	if cfg.DeepLinks.TimeoutSeconds == 0 {
		cfg.DeepLinks.TimeoutSeconds = 10
	}
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "ddl:acquire"
	}
	if cfg.Lock.TTLSeconds == 0 {
		cfg.Lock.TTLSeconds = 600
	}
	if cfg.Stub.Port == 0 {
		cfg.Stub.Port = 8081
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is loaded first if present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DDL_DEV_TOKEN"); v != "" {
		cfg.Tracker.DevToken = v
	}
	if v := os.Getenv("DDL_LINK_ID"); v != "" {
		cfg.Tracker.LinkID = v
	}
	if v := os.Getenv("DDL_ENDPOINT"); v != "" {
		cfg.Tracker.Endpoint = v
	}
	if v := os.Getenv("DDL_ADVERTISING_ID"); v != "" {
		cfg.Identity.AdvertisingID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Lock.PostgresDSN = v
	}
	if v := os.Getenv("SQS_OUTCOME_QUEUE_URL"); v != "" {
		cfg.Outcomes.SQSQueueURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Stub.Port = port
	}

	return cfg, nil
}
