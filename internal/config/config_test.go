package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_WORKERS", "not-a-number")
	t.Setenv("LOG_RETENTION", "bogus")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://localhost:9090", cfg.BaseURL)
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.Equal(t, 30*24*time.Hour, cfg.LogRetention)
	assert.Equal(t, []string{"staff", "admin"}, cfg.StaffRoles)
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("CORS_ALLOWED_ORIGINS", "*"))
}

func TestValidate(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("EMAIL_PROVIDER", "mock")
	t.Setenv("SMS_PROVIDER", "mock")
	valid := func() *Config { return Load() }

	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"unknown storage":      func(c *Config) { c.StorageDriver = "sqlite" },
		"bad config key":       func(c *Config) { c.ChannelConfigKey = "zz" },
		"short config key":     func(c *Config) { c.ChannelConfigKey = "0011" },
		"no workers":           func(c *Config) { c.DispatchWorkers = 0 },
		"short retention":      func(c *Config) { c.LogRetention = time.Hour },
		"stale before timeout": func(c *Config) { c.StaleSendingTimeout = 2 * time.Minute },
		"stale at timeout cap": func(c *Config) { c.StaleSendingTimeout = maxChannelTimeout },
		"unknown email":        func(c *Config) { c.EmailProvider = "pigeon" },
		"incomplete twilio":    func(c *Config) { c.SMSProvider = "twilio" },
		"memory in production": func(c *Config) { c.Environment = "production"; c.JWTSecret = "x"; c.ChannelConfigKey = "00112233445566778899aabbccddeeff" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
