package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubiojr/pulse/pkg/realtime"
)

// isolate points XDG dirs at a temp dir and unsets the override variables
// so .env files can set them.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	for _, name := range []string{realtime.EnvURL, realtime.EnvAPIKey, EnvUserID, EnvUsername, EnvLogLevel} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	return dir
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := LoadConfig(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "pulse"), cfg.StorageDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, realtime.DefaultHeartbeatInterval, cfg.Realtime.HeartbeatInterval.Duration)
	assert.Equal(t, realtime.DefaultMaxAttempts, cfg.Supervisor.MaxAttempts)
	assert.Equal(t, 50, cfg.Feed.Capacity)
	assert.Equal(t, "127.0.0.1:4000", cfg.Server.Listen)
	assert.Empty(t, cfg.Realtime.URL, "connection parameters are never defaulted")
	assert.Equal(t, filepath.Join(cfg.StorageDir, "pulse.db"), cfg.DBPath())
}

func TestTemplateRoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config", "pulse", "config.toml")

	seed := &Config{StorageDir: filepath.Join(dir, "store")}
	require.NoError(t, seed.SaveTemplateConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "store"), cfg.StorageDir)
	assert.Equal(t, "http://127.0.0.1:4000", cfg.Realtime.URL)
	assert.Equal(t, "dev", cfg.Realtime.APIKey)
	assert.Equal(t, 25*time.Second, cfg.Realtime.HeartbeatInterval.Duration)
	assert.Equal(t, []string{"dev"}, cfg.Server.APIKeys)
	assert.True(t, cfg.Server.Archive)
	assert.Nil(t, cfg.Realtime.Auth)

	sup := cfg.SupervisorOptions()
	assert.Equal(t, time.Second, sup.InitialBackoff)
	assert.Equal(t, 30*time.Second, sup.MaxBackoff)
	assert.Equal(t, 5, sup.MaxAttempts)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "saved.toml")

	cfg, err := GetDefaultConfig()
	require.NoError(t, err)
	cfg.Realtime.URL = "wss://example.supabase.co"
	cfg.Server.IdleTimeout = Duration{90 * time.Second}
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.supabase.co", loaded.Realtime.URL)
	assert.Equal(t, 90*time.Second, loaded.Server.IdleTimeout.Duration)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[realtime]
url = "http://file"
api_key = "file-key"

[identity]
user_id = "file-user"
`), 0600))

	t.Setenv(realtime.EnvURL, "https://env.example.com")
	t.Setenv(EnvUsername, "ada")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Realtime.URL)
	assert.Equal(t, "file-key", cfg.Realtime.APIKey)
	assert.Equal(t, realtime.Identity{UserID: "file-user", Username: "ada"}, cfg.IdentityOptions())
}

func TestDotEnvNextToConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PULSE_REALTIME_KEY=from-dotenv\nPULSE_USER_ID=u-42\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Realtime.APIKey)
	assert.Equal(t, "u-42", cfg.Identity.UserID)
}

func TestInvalidDuration(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[realtime]\ntimeout = \"soon\"\n"), 0600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestProviderOptionsWithAuth(t *testing.T) {
	isolate(t)

	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "r1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"user-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	cfg, err := GetDefaultConfig()
	require.NoError(t, err)
	cfg.Realtime.URL = "http://localhost"
	cfg.Realtime.APIKey = "anon"

	assert.Nil(t, cfg.ProviderOptions(context.Background()).TokenSource)

	cfg.Realtime.Auth = &AuthConfig{TokenURL: tokens.URL, ClientID: "pulse", RefreshToken: "r1"}
	opts := cfg.ProviderOptions(context.Background())
	require.NotNil(t, opts.TokenSource)
	assert.Equal(t, "anon", opts.APIKey)

	tok, err := opts.TokenSource.Token()
	require.NoError(t, err)
	assert.Equal(t, "user-token", tok.AccessToken)
}
