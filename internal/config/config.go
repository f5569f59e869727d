package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"villaops/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig         `yaml:"app"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Backup     BackupConfig      `yaml:"backup"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Logging    LoggingConfig     `yaml:"logging"`
	API        APIConfig         `yaml:"api"`
	Telegram   TelegramConfig    `yaml:"telegram"`
	Dispatch   DispatchConfig    `yaml:"dispatch"`
	Tracker    TrackerConfig     `yaml:"tracker"`
	Sync       SyncConfig        `yaml:"sync"`
	Worker     WorkerConfig      `yaml:"worker"`
	Properties []models.Property `yaml:"properties"`
	Staff      []models.Staff    `yaml:"staff"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	BotToken          string        `yaml:"bot_token"`
	Debug             bool          `yaml:"debug"`
	StaffBot          bool          `yaml:"staff_bot"`
	RateLimitMessages int           `yaml:"rate_limit_messages"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DispatchConfig struct {
	CheckoutStartTime        string `yaml:"checkout_start_time"`
	CheckInTime              string `yaml:"check_in_time"`
	CleaningMinutes          int    `yaml:"cleaning_minutes"`
	InspectionMinutes        int    `yaml:"inspection_minutes"`
	AllowSamePropertyOverlap bool   `yaml:"allow_same_property_overlap"`
	BulkConcurrency          int    `yaml:"bulk_concurrency"`
}

type TrackerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	StalenessPenalty   int           `yaml:"staleness_penalty"`
	OnSiteRadiusMeters float64       `yaml:"on_site_radius_meters"`
	Concurrency        int           `yaml:"concurrency"`
	SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`
}

type SyncConfig struct {
	SetupTimeout     time.Duration `yaml:"setup_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BatchSize        int           `yaml:"batch_size"`
	BufferSize       int           `yaml:"buffer_size"`
	DedupeWindow     int           `yaml:"dedupe_window"`
}

type WorkerConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	for _, layout := range []struct{ name, value string }{
		{"dispatch.checkout_start_time", c.Dispatch.CheckoutStartTime},
		{"dispatch.check_in_time", c.Dispatch.CheckInTime},
	} {
		if _, err := time.Parse(models.ScheduleTimeLayout, layout.value); err != nil {
			return fmt.Errorf("%s must be HH:MM, got %q", layout.name, layout.value)
		}
	}

	if c.Sync.HeartbeatTimeout <= c.Sync.PollInterval {
		return fmt.Errorf("sync.heartbeat_timeout (%s) must exceed sync.poll_interval (%s)", c.Sync.HeartbeatTimeout, c.Sync.PollInterval)
	}

	if err := ValidateProperties(c.Properties); err != nil {
		return err
	}
	return ValidateStaff(c.Staff)
}

func ValidateProperties(properties []models.Property) error {
	ids := make(map[string]bool)
	for _, p := range properties {
		if p.ID == "" {
			return fmt.Errorf("property '%s' has empty ID", p.Name)
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate property ID found: %s", p.ID)
		}
		if p.CleaningStartTime != "" {
			if _, err := time.Parse(models.ScheduleTimeLayout, p.CleaningStartTime); err != nil {
				return fmt.Errorf("property %s: cleaning_start_time must be HH:MM", p.ID)
			}
		}
		ids[p.ID] = true
	}
	return nil
}

func ValidateStaff(staff []models.Staff) error {
	ids := make(map[string]bool)
	for _, s := range staff {
		if s.ID == "" {
			return fmt.Errorf("staff member '%s' has empty ID", s.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate staff ID found: %s", s.ID)
		}
		ids[s.ID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "villaops"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Telegram.RateLimitMessages == 0 {
		c.Telegram.RateLimitMessages = 20
	}
	if c.Telegram.RateLimitWindow == 0 {
		c.Telegram.RateLimitWindow = time.Minute
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}

	// Dispatch defaults
	if c.Dispatch.CheckoutStartTime == "" {
		c.Dispatch.CheckoutStartTime = models.DefaultCheckoutTime
	}
	if c.Dispatch.CheckInTime == "" {
		c.Dispatch.CheckInTime = models.DefaultCheckInTime
	}
	if c.Dispatch.CleaningMinutes == 0 {
		c.Dispatch.CleaningMinutes = models.DefaultCleaningMinutes
	}
	if c.Dispatch.InspectionMinutes == 0 {
		c.Dispatch.InspectionMinutes = models.DefaultInspectionMinutes
	}
	if c.Dispatch.BulkConcurrency == 0 {
		c.Dispatch.BulkConcurrency = 4
	}

	// Tracker defaults
	if c.Tracker.Interval == 0 {
		c.Tracker.Interval = time.Minute
	}
	if c.Tracker.StaleAfter == 0 {
		c.Tracker.StaleAfter = 10 * time.Minute
	}
	if c.Tracker.StalenessPenalty == 0 {
		c.Tracker.StalenessPenalty = 20
	}
	if c.Tracker.OnSiteRadiusMeters == 0 {
		c.Tracker.OnSiteRadiusMeters = 150
	}
	if c.Tracker.Concurrency == 0 {
		c.Tracker.Concurrency = 4
	}
	if c.Tracker.SnapshotTTL == 0 {
		c.Tracker.SnapshotTTL = 24 * time.Hour
	}

	// Sync defaults
	if c.Sync.SetupTimeout == 0 {
		c.Sync.SetupTimeout = 5 * time.Second
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = time.Second
	}
	if c.Sync.HeartbeatTimeout == 0 {
		c.Sync.HeartbeatTimeout = 15 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.BufferSize == 0 {
		c.Sync.BufferSize = 64
	}
	if c.Sync.DedupeWindow == 0 {
		c.Sync.DedupeWindow = 4096
	}

	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.InitialDelay == 0 {
		c.Worker.InitialDelay = 2 * time.Second
	}
	if c.Worker.MaxDelay == 0 {
		c.Worker.MaxDelay = time.Minute
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
}
