package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("VILLAOPS_DB_PATH", filepath.Join(tmpDir, "villaops.db"))

	yamlContent := `
database:
  path: "${VILLAOPS_DB_PATH}"
sync:
  heartbeat_timeout: 20s
  poll_interval: 500ms
tracker:
  interval: 30s
properties:
  - id: "villa-1"
    name: "Villa Sunrise"
    max_guests: 6
    cleaning_start_time: "10:30"
staff:
  - id: "s1"
    name: "Ana"
    telegram_chat_id: 42
    is_manager: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "villaops.db"), cfg.Database.Path)
	assert.Equal(t, 20*time.Second, cfg.Sync.HeartbeatTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Tracker.Interval)
	require.Len(t, cfg.Properties, 1)
	assert.Equal(t, 6, cfg.Properties[0].MaxGuests)
	require.Len(t, cfg.Staff, 1)
	assert.True(t, cfg.Staff[0].IsManager)
	assert.Equal(t, 5*time.Second, cfg.Sync.SetupTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{Database: DatabaseConfig{Path: "path"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "bad checkout time", mutate: func(c *Config) { c.Dispatch.CheckoutStartTime = "11am" }, wantErr: true},
		{
			name: "heartbeat shorter than poll",
			mutate: func(c *Config) {
				c.Sync.HeartbeatTimeout = time.Second
				c.Sync.PollInterval = 2 * time.Second
			},
			wantErr: true,
		},
		{
			name: "duplicate property id",
			mutate: func(c *Config) {
				c.Properties = []models.Property{{ID: "p1", Name: "A"}, {ID: "p1", Name: "B"}}
			},
			wantErr: true,
		},
		{
			name:    "duplicate staff id",
			mutate:  func(c *Config) { c.Staff = []models.Staff{{ID: "s1"}, {ID: "s1"}} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, models.DefaultCheckoutTime, cfg.Dispatch.CheckoutStartTime)
	assert.Equal(t, models.DefaultCleaningMinutes, cfg.Dispatch.CleaningMinutes)
	assert.Equal(t, 8081, cfg.API.GRPC.Port)
	assert.Equal(t, time.Minute, cfg.Tracker.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.HeartbeatTimeout)
	assert.Equal(t, 150.0, cfg.Tracker.OnSiteRadiusMeters)
	assert.False(t, cfg.Dispatch.AllowSamePropertyOverlap)
}

func TestValidateProperties(t *testing.T) {
	tests := []struct {
		name       string
		properties []models.Property
		wantErr    bool
	}{
		{name: "valid", properties: []models.Property{{ID: "p1"}, {ID: "p2", CleaningStartTime: "09:00"}}},
		{name: "empty id", properties: []models.Property{{Name: "nameless"}}, wantErr: true},
		{name: "bad start time", properties: []models.Property{{ID: "p1", CleaningStartTime: "25:99"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProperties(tt.properties)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProperties() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Telegram.StaffBot)
	assert.Equal(t, time.Minute, cfg.Telegram.RateLimitWindow)
	assert.Len(t, cfg.Properties, 2)
	assert.Len(t, cfg.Staff, 3)
	assert.Equal(t, 30*time.Second, cfg.Sync.HeartbeatTimeout)
}
