// Package config provides configuration management for the satellite compositor service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the complete application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig     `envPrefix:"SERVER_"`
	Storage    StorageConfig    `envPrefix:"STORAGE_"`
	Poll       PollConfig       `envPrefix:"POLL_"`
	Copernicus CopernicusConfig `envPrefix:"COPERNICUS_"`
	GEE        GEEConfig        `envPrefix:"GEE_"`
	Planetary  PlanetaryConfig  `envPrefix:"PLANETARY_"`
	Logging    LoggingConfig    `envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8000"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// StorageConfig contains local file locations.
type StorageConfig struct {
	OutputDir      string `env:"OUTPUT_DIR" envDefault:"./outputs"`
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
}

// PollConfig tunes the wait on remote batch jobs and the retry of submission and download calls.
type PollConfig struct {
	Timeout              time.Duration `env:"TIMEOUT" envDefault:"30m"`
	Interval             time.Duration `env:"INTERVAL" envDefault:"15s"`
	MaxConsecutiveErrors int           `env:"MAX_CONSECUTIVE_ERRORS" envDefault:"20"`
	ErrorBackoffStep     time.Duration `env:"ERROR_BACKOFF_STEP" envDefault:"5s"`
	MaxBackoff           time.Duration `env:"MAX_BACKOFF" envDefault:"60s"`
	SubmitAttempts       int           `env:"SUBMIT_ATTEMPTS" envDefault:"3"`
	DownloadAttempts     int           `env:"DOWNLOAD_ATTEMPTS" envDefault:"5"`
	RetryStep            time.Duration `env:"RETRY_STEP" envDefault:"10s"`
}

// CopernicusConfig contains openEO and CDSE identity settings.
type CopernicusConfig struct {
	BaseURL       string        `env:"BASE_URL" envDefault:"https://openeo.dataspace.copernicus.eu/openeo/1.2"`
	TokenURL      string        `env:"TOKEN_URL" envDefault:"https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"`
	DeviceAuthURL string        `env:"DEVICE_AUTH_URL" envDefault:"https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/auth/device"`
	ClientID      string        `env:"CLIENT_ID" envDefault:"cdse-public"`
	Provider      string        `env:"OIDC_PROVIDER" envDefault:"CDSE"`
	RefreshToken  string        `env:"REFRESH_TOKEN" envDefault:""`
	Username      string        `env:"USERNAME" envDefault:""`
	Password      string        `env:"PASSWORD" envDefault:""`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"60s"`
}

// GEEConfig contains Earth Engine REST settings.
type GEEConfig struct {
	BaseURL         string        `env:"BASE_URL" envDefault:"https://earthengine.googleapis.com/v1"`
	Project         string        `env:"PROJECT" envDefault:""`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"60s"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"10m"`
}

// PlanetaryConfig contains Planetary Computer STAC settings.
type PlanetaryConfig struct {
	STACURL     string        `env:"STAC_URL" envDefault:"https://planetarycomputer.microsoft.com/api/stac/v1"`
	SASURL      string        `env:"SAS_URL" envDefault:"https://planetarycomputer.microsoft.com/api/sas/v1"`
	Collection  string        `env:"COLLECTION" envDefault:"landsat-c2-l2"`
	MaxItems    int           `env:"MAX_ITEMS" envDefault:"50"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"4"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"60s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load parses configuration from environment variables.
// It returns an error if required fields are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}

	opts := env.Options{
		RequiredIfNoDef: true,
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Defaults returns the configuration with every field at its default value,
// ignoring the process environment.
func Defaults() (*Config, error) {
	cfg := &Config{}

	opts := env.Options{
		Environment: map[string]string{},
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to apply configuration defaults: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive, got %s", c.Server.ReadTimeout)
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.Storage.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.Storage.UploadDir == "" {
		return fmt.Errorf("upload directory is required")
	}

	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.Storage.MaxUploadBytes)
	}

	if err := c.Poll.Validate(); err != nil {
		return err
	}

	if c.Copernicus.BaseURL == "" {
		return fmt.Errorf("Copernicus base URL is required")
	}

	if c.Copernicus.TokenURL == "" || c.Copernicus.ClientID == "" {
		return fmt.Errorf("Copernicus token URL and client ID are required")
	}

	if c.Copernicus.Timeout <= 0 {
		return fmt.Errorf("Copernicus timeout must be positive, got %s", c.Copernicus.Timeout)
	}

	if (c.Copernicus.Username == "") != (c.Copernicus.Password == "") {
		return fmt.Errorf("Copernicus username and password must be set together")
	}

	if c.GEE.BaseURL == "" {
		return fmt.Errorf("GEE base URL is required")
	}

	if c.GEE.Timeout <= 0 || c.GEE.DownloadTimeout <= 0 {
		return fmt.Errorf("GEE timeouts must be positive")
	}

	if c.Planetary.STACURL == "" || c.Planetary.SASURL == "" {
		return fmt.Errorf("Planetary STAC and SAS URLs are required")
	}

	if c.Planetary.MaxItems < 1 {
		return fmt.Errorf("Planetary max items must be at least 1, got %d", c.Planetary.MaxItems)
	}

	if c.Planetary.Concurrency < 1 {
		return fmt.Errorf("Planetary concurrency must be at least 1, got %d", c.Planetary.Concurrency)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	return nil
}

// Validate checks the poll and retry budgets.
func (p *PollConfig) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", p.Timeout)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Interval)
	}
	if p.Interval > p.Timeout {
		return fmt.Errorf("poll interval (%s) must not exceed poll timeout (%s)", p.Interval, p.Timeout)
	}
	if p.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max consecutive errors must be at least 1, got %d", p.MaxConsecutiveErrors)
	}
	if p.ErrorBackoffStep < 0 {
		return fmt.Errorf("error backoff step must not be negative, got %s", p.ErrorBackoffStep)
	}
	if p.MaxBackoff < p.Interval {
		return fmt.Errorf("max backoff (%s) must be >= poll interval (%s)", p.MaxBackoff, p.Interval)
	}
	if p.SubmitAttempts < 1 || p.DownloadAttempts < 1 {
		return fmt.Errorf("submit and download attempts must be at least 1")
	}
	return nil
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
