package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 3, cfg.DownloadMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.DownloadRetryDelay)
	assert.Equal(t, []string{"SP"}, cfg.AutoDownloadStates)
	assert.Equal(t, []string{"APPS", "LEGAL_RESERVE"}, cfg.AutoDownloadPolygons)
	assert.Equal(t, "America/Sao_Paulo", cfg.Location().String())
	assert.True(t, cfg.ScheduleEnabled)
	assert.False(t, cfg.SchedulerAllowOverlap)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDULE_HOUR", "5")
	t.Setenv("SCHEDULE_MINUTE", "30")
	t.Setenv("AUTO_DOWNLOAD_STATES", " mg, sp ,,")
	t.Setenv("DOWNLOAD_RETRY_DELAY", "250ms")
	t.Setenv("SCHEDULE_ENABLED", "false")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ScheduleHour)
	assert.Equal(t, 30, cfg.ScheduleMinute)
	assert.Equal(t, []string{"MG", "SP"}, cfg.AutoDownloadStates)
	assert.Equal(t, 250*time.Millisecond, cfg.DownloadRetryDelay)
	assert.False(t, cfg.ScheduleEnabled)
	// 解釈できない値は既定値に戻す
	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ScheduleHour:           2,
			ScheduleTimezone:       "UTC",
			MaxConcurrentDownloads: 1,
			GinMode:                "debug",
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"hour":        func(c *Config) { c.ScheduleHour = 24 },
		"minute":      func(c *Config) { c.ScheduleMinute = -1 },
		"timezone":    func(c *Config) { c.ScheduleTimezone = "Mars/Olympus" },
		"concurrency": func(c *Config) { c.MaxConcurrentDownloads = 0 },
		"retries":     func(c *Config) { c.DownloadMaxRetries = -1 },
		"release key": func(c *Config) { c.GinMode = "release" },
		"release session": func(c *Config) {
			c.GinMode = "release"
			c.APIKey = "k"
			c.AppUsername = "admin"
		},
	}
	for name, mutate := range cases {
		cfg := valid()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
