package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	loader := NewLoader("CLARINET_TEST_DEFAULTS")
	loader.SetDefaults()

	var settings Settings
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), &settings))

	assert.Equal(t, 8080, settings.Server.Port)
	assert.Equal(t, "clarinet_session", settings.Session.CookieName)
	assert.Equal(t, 24, settings.Session.ExpireHours)
	assert.Equal(t, 11112, settings.PACS.Port)
	assert.True(t, settings.PACS.PreferCGet)
	assert.Equal(t, 24, settings.Cache.TTLHours)
	assert.Equal(t, float64(10), settings.Cache.MaxSizeGB)
	assert.Equal(t, 2016, settings.Slicer.Port)
	assert.Equal(t, "CLN", settings.Anon.IDPrefix)
	assert.Equal(t, "./storage", settings.StoragePath)
	assert.Equal(t, 30*time.Second, settings.Server.ReadTimeout)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9001
pacs:
  host: pacs.internal
  aet: ARCHIVE
storage_path: /data/clarinet
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader("CLARINET_TEST_FILE")
	loader.SetDefaults()

	var settings Settings
	require.NoError(t, loader.Load(path, &settings))

	assert.Equal(t, 9001, settings.Server.Port)
	assert.Equal(t, "pacs.internal", settings.PACS.Host)
	assert.Equal(t, "ARCHIVE", settings.PACS.AET)
	assert.Equal(t, "/data/clarinet", settings.StoragePath)
	// Untouched keys keep their defaults.
	assert.Equal(t, "clarinet_session", settings.Session.CookieName)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CLARINET_TEST_ENV_SERVER_PORT", "9002")
	t.Setenv("CLARINET_TEST_ENV_SESSION_EXPIRE_HOURS", "12")

	loader := NewLoader("CLARINET_TEST_ENV")
	loader.SetDefaults()

	var settings Settings
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), &settings))

	assert.Equal(t, 9002, settings.Server.Port)
	assert.Equal(t, 12, settings.Session.ExpireHours)
}

func TestValidate(t *testing.T) {
	valid := &Settings{
		Server:      ServerConfig{Port: 8080},
		Session:     SessionConfig{ExpireHours: 24},
		PACS:        PACSConfig{Host: "pacs"},
		StoragePath: "/data",
	}
	assert.NoError(t, Validate(valid))

	bad := *valid
	bad.Server.Port = 0
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.Session.ExpireHours = 0
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.PACS.Host = ""
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.StoragePath = ""
	assert.Error(t, Validate(&bad))
}

func TestPACSAddr(t *testing.T) {
	cfg := PACSConfig{Host: "pacs.internal", Port: 104}
	assert.Equal(t, "pacs.internal:104", cfg.Addr())
}

func TestSessionLifetime(t *testing.T) {
	s := Settings{Session: SessionConfig{ExpireHours: 6}}
	assert.Equal(t, 6*time.Hour, s.SessionLifetime())
}
