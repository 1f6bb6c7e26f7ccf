// Package config loads the pulse TOML configuration, applies .env files and
// environment overrides, and converts sections into the option types of
// the runtime packages.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/oauth2"

	"github.com/rubiojr/pulse/pkg/realtime"
)

//go:embed config.toml.sample
var configTemplate string

// Environment overrides.
const (
	EnvUserID   = "PULSE_USER_ID"
	EnvUsername = "PULSE_USERNAME"
	EnvLogLevel = "PULSE_LOG_LEVEL"
)

type Config struct {
	StorageDir string           `toml:"storage_dir"`
	LogLevel   string           `toml:"log_level"`
	Realtime   RealtimeConfig   `toml:"realtime"`
	Identity   IdentityConfig   `toml:"identity"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Feed       FeedConfig       `toml:"feed"`
	Server     ServerConfig     `toml:"server"`
}

type RealtimeConfig struct {
	URL               string      `toml:"url"`
	APIKey            string      `toml:"api_key"`
	EventsPerSecond   float64     `toml:"events_per_second"`
	HeartbeatInterval Duration    `toml:"heartbeat_interval"`
	Timeout           Duration    `toml:"timeout"`
	Echo              bool        `toml:"echo"`
	Auth              *AuthConfig `toml:"auth,omitempty"`
}

// AuthConfig enables the OAuth2 refresh token flow.
type AuthConfig struct {
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RefreshToken string   `toml:"refresh_token"`
	Scopes       []string `toml:"scopes"`
}

type IdentityConfig struct {
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

type SupervisorConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	MaxAttempts    int      `toml:"max_attempts"`
}

type FeedConfig struct {
	Capacity        int `toml:"capacity"`
	ScrollThreshold int `toml:"scroll_threshold"`
}

type ServerConfig struct {
	Listen      string   `toml:"listen"`
	APIKeys     []string `toml:"api_keys"`
	IdleTimeout Duration `toml:"idle_timeout"`
	SendQueue   int      `toml:"send_queue"`
	Archive     bool     `toml:"archive"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	c := &Config{StorageDir: storageDir}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Realtime.EventsPerSecond <= 0 {
		c.Realtime.EventsPerSecond = realtime.DefaultEventsPerSecond
	}
	if c.Realtime.HeartbeatInterval.Duration == 0 {
		c.Realtime.HeartbeatInterval = Duration{realtime.DefaultHeartbeatInterval}
	}
	if c.Realtime.Timeout.Duration == 0 {
		c.Realtime.Timeout = Duration{realtime.DefaultTimeout}
	}
	if c.Supervisor.PollInterval.Duration == 0 {
		c.Supervisor.PollInterval = Duration{realtime.DefaultPollInterval}
	}
	if c.Supervisor.InitialBackoff.Duration == 0 {
		c.Supervisor.InitialBackoff = Duration{realtime.DefaultInitialBackoff}
	}
	if c.Supervisor.MaxBackoff.Duration == 0 {
		c.Supervisor.MaxBackoff = Duration{realtime.DefaultMaxBackoff}
	}
	if c.Supervisor.MaxAttempts == 0 {
		c.Supervisor.MaxAttempts = realtime.DefaultMaxAttempts
	}
	if c.Feed.Capacity == 0 {
		c.Feed.Capacity = 50
	}
	if c.Feed.ScrollThreshold == 0 {
		c.Feed.ScrollThreshold = 100
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:4000"
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout = Duration{60 * time.Second}
	}
	if c.Server.SendQueue == 0 {
		c.Server.SendQueue = 64
	}
}

// LoadConfig reads configPath, falling back to defaults when it does not
// exist. .env files in the working directory and next to the config file
// are loaded first; variables already set are kept. Environment overrides
// are applied last.
func LoadConfig(configPath string) (*Config, error) {
	if err := LoadEnv(".env", filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	var config *Config
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		config, err = GetDefaultConfig()
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		config = &Config{}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("unmarshaling config: %w", err)
		}
		if config.StorageDir == "" {
			storageDir, err := GetDefaultStorageDir()
			if err != nil {
				return nil, fmt.Errorf("getting default storage directory: %w", err)
			}
			config.StorageDir = storageDir
		}
		config.applyDefaults()
	}

	config.applyEnv()
	return config, nil
}

// LoadEnv loads the given .env files that exist, without overriding
// variables already set.
func LoadEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&c.Realtime.URL, realtime.EnvURL)
	set(&c.Realtime.APIKey, realtime.EnvAPIKey)
	set(&c.Identity.UserID, EnvUserID)
	set(&c.Identity.Username, EnvUsername)
	set(&c.LogLevel, EnvLogLevel)
}

// ProviderOptions converts the realtime section. With an auth section the
// access token comes from the OAuth2 refresh flow.
func (c *Config) ProviderOptions(ctx context.Context) realtime.Options {
	opts := realtime.Options{
		URL:               c.Realtime.URL,
		APIKey:            c.Realtime.APIKey,
		EventsPerSecond:   c.Realtime.EventsPerSecond,
		HeartbeatInterval: c.Realtime.HeartbeatInterval.Duration,
		Timeout:           c.Realtime.Timeout.Duration,
	}
	if a := c.Realtime.Auth; a != nil && a.TokenURL != "" && a.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: a.TokenURL},
			Scopes:       a.Scopes,
		}
		opts.TokenSource = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken})
	}
	return opts
}

// SupervisorOptions converts the supervisor section.
func (c *Config) SupervisorOptions() realtime.SupervisorConfig {
	return realtime.SupervisorConfig{
		PollInterval:   c.Supervisor.PollInterval.Duration,
		InitialBackoff: c.Supervisor.InitialBackoff.Duration,
		MaxBackoff:     c.Supervisor.MaxBackoff.Duration,
		MaxAttempts:    c.Supervisor.MaxAttempts,
	}
}

// IdentityOptions returns the configured local user.
func (c *Config) IdentityOptions() realtime.Identity {
	return realtime.Identity{UserID: c.Identity.UserID, Username: c.Identity.Username}
}

// DBPath is the archive database inside StorageDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "pulse.db")
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTemplateConfig writes the commented sample with StorageDir filled in.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0600)
}

func (c *Config) generateConfigTemplate() (string, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return "", fmt.Errorf("getting default storage directory: %w", err)
		}
	}
	return strings.Replace(configTemplate, "/home/user/.local/share/pulse", storageDir, 1), nil
}

// GetDefaultStorageDir returns $XDG_DATA_HOME/pulse (or ~/.local/share/pulse),
// creating it if needed.
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "pulse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/pulse (or ~/.config/pulse),
// creating it if needed.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "pulse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
