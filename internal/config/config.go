// Package config loads job settings from defaults, an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/justestif/go-spotify-listen-ingest/internal/auth"
	"github.com/justestif/go-spotify-listen-ingest/internal/logging"
)

// ConfigPathEnvVar names the variable pointing at a YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// MaxLimit is the largest page the recently played feed serves.
const MaxLimit = 50

var (
	// ErrMissingSpotifyCredentials is returned when SPOTIFY_ID or SPOTIFY_SECRET is not set.
	ErrMissingSpotifyCredentials = errors.New("missing SPOTIFY_ID or SPOTIFY_SECRET")

	// ErrMissingDatabaseURL is returned when DATABASE_URL is not set.
	ErrMissingDatabaseURL = errors.New("missing DATABASE_URL")

	// ErrInvalid is returned when a setting is out of range.
	ErrInvalid = errors.New("invalid configuration")
)

// Config holds all job settings.
type Config struct {
	Spotify  SpotifyConfig  `koanf:"spotify"`
	Database DatabaseConfig `koanf:"database"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// SpotifyConfig holds OAuth client settings.
type SpotifyConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
	TokenPath    string `koanf:"token_path"`
}

// DatabaseConfig holds the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// IngestConfig tunes a single ingestion run.
type IngestConfig struct {
	Limit        int           `koanf:"limit"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
	RunTimeout   time.Duration `koanf:"run_timeout"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures pushing run metrics. Empty PushgatewayURL disables it.
type MetricsConfig struct {
	PushgatewayURL string `koanf:"pushgateway_url"`
	Job            string `koanf:"job"`
}

func defaultConfig() *Config {
	// Left empty when there is no user config dir; RequireSpotify reports it.
	tokenPath, _ := auth.DefaultTokenPath()

	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://127.0.0.1:8080/callback",
			TokenPath:   tokenPath,
		},
		Ingest: IngestConfig{
			Limit:        MaxLimit,
			FetchTimeout: 10 * time.Second,
			RetryDelay:   2 * time.Second,
			RunTimeout:   2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Metrics: MetricsConfig{
			Job: "spotify_listen_ingest",
		},
	}
}

// envMappings maps environment variable names to config paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"spotify_id":              "spotify.client_id",
	"spotify_secret":          "spotify.client_secret",
	"spotify_redirect_url":    "spotify.redirect_url",
	"spotify_token_path":      "spotify.token_path",
	"database_url":            "database.url",
	"ingest_limit":            "ingest.limit",
	"ingest_fetch_timeout":    "ingest.fetch_timeout",
	"ingest_retry_delay":      "ingest.retry_delay",
	"ingest_run_timeout":      "ingest.run_timeout",
	"log_level":               "logging.level",
	"log_format":              "logging.format",
	"metrics_pushgateway_url": "metrics.pushgateway_url",
	"metrics_job":             "metrics.job",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Load reads .env from the working directory if present, then layers
// defaults, the config file and environment variables. Required settings
// are checked separately with RequireSpotify and RequireDatabase since not
// every command needs them.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns CONFIG_PATH if set, else the first default path that exists.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks ranges of optional settings.
func (c *Config) Validate() error {
	if c.Ingest.Limit < 1 || c.Ingest.Limit > MaxLimit {
		return fmt.Errorf("%w: ingest limit %d outside 1-%d", ErrInvalid, c.Ingest.Limit, MaxLimit)
	}
	if c.Ingest.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalid)
	}
	if c.Ingest.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalid)
	}
	if c.Ingest.RunTimeout <= 0 {
		return fmt.Errorf("%w: run timeout must be positive", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Logging.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}

// RequireSpotify reports whether the OAuth client credentials and token path are set.
func (c *Config) RequireSpotify() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return ErrMissingSpotifyCredentials
	}
	if c.Spotify.TokenPath == "" {
		return fmt.Errorf("%w: no token path; set SPOTIFY_TOKEN_PATH", ErrInvalid)
	}
	return nil
}

// RequireDatabase reports whether the database URL is set.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return ErrMissingDatabaseURL
	}
	return nil
}
