package config

import (
	"os"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			OutputDir:      "./outputs",
			UploadDir:      "./uploads",
			MaxUploadBytes: 1 << 20,
		},
		Poll: PollConfig{
			Timeout:              30 * time.Minute,
			Interval:             15 * time.Second,
			MaxConsecutiveErrors: 20,
			ErrorBackoffStep:     5 * time.Second,
			MaxBackoff:           60 * time.Second,
			SubmitAttempts:       3,
			DownloadAttempts:     5,
			RetryStep:            10 * time.Second,
		},
		Copernicus: CopernicusConfig{
			BaseURL:  "https://openeo.example.com/openeo/1.2",
			TokenURL: "https://identity.example.com/token",
			ClientID: "cdse-public",
			Timeout:  time.Minute,
		},
		GEE: GEEConfig{
			BaseURL:         "https://earthengine.example.com/v1",
			Timeout:         time.Minute,
			DownloadTimeout: 10 * time.Minute,
		},
		Planetary: PlanetaryConfig{
			STACURL:     "https://stac.example.com",
			SASURL:      "https://sas.example.com",
			Collection:  "landsat-c2-l2",
			MaxItems:    50,
			Concurrency: 4,
			Timeout:     time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Server.Port)
	}

	if cfg.Poll.Timeout != 30*time.Minute {
		t.Errorf("expected default poll timeout 30m, got %s", cfg.Poll.Timeout)
	}

	if cfg.Poll.Interval != 15*time.Second {
		t.Errorf("expected default poll interval 15s, got %s", cfg.Poll.Interval)
	}

	if cfg.Poll.MaxConsecutiveErrors != 20 {
		t.Errorf("expected default max consecutive errors 20, got %d", cfg.Poll.MaxConsecutiveErrors)
	}

	if cfg.Copernicus.ClientID != "cdse-public" {
		t.Errorf("expected default Copernicus client cdse-public, got %s", cfg.Copernicus.ClientID)
	}

	if cfg.Planetary.Collection != "landsat-c2-l2" {
		t.Errorf("expected default collection landsat-c2-l2, got %s", cfg.Planetary.Collection)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadWithCustomValues(t *testing.T) {
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("STORAGE_OUTPUT_DIR", "/data/out")
	os.Setenv("POLL_INTERVAL", "5s")
	os.Setenv("POLL_MAX_CONSECUTIVE_ERRORS", "3")
	os.Setenv("GEE_PROJECT", "my-ee-project")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "text")

	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("STORAGE_OUTPUT_DIR")
		os.Unsetenv("POLL_INTERVAL")
		os.Unsetenv("POLL_MAX_CONSECUTIVE_ERRORS")
		os.Unsetenv("GEE_PROJECT")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("LOG_FORMAT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Storage.OutputDir != "/data/out" {
		t.Errorf("expected output dir /data/out, got %s", cfg.Storage.OutputDir)
	}

	if cfg.Poll.Interval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %s", cfg.Poll.Interval)
	}

	if cfg.Poll.MaxConsecutiveErrors != 3 {
		t.Errorf("expected max consecutive errors 3, got %d", cfg.Poll.MaxConsecutiveErrors)
	}

	if cfg.GEE.Project != "my-ee-project" {
		t.Errorf("expected GEE project my-ee-project, got %s", cfg.GEE.Project)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("expected log format text, got %s", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantError: true,
		},
		{
			name:      "missing output dir",
			mutate:    func(c *Config) { c.Storage.OutputDir = "" },
			wantError: true,
		},
		{
			name:      "interval longer than timeout",
			mutate:    func(c *Config) { c.Poll.Interval = time.Hour },
			wantError: true,
		},
		{
			name:      "zero error ceiling",
			mutate:    func(c *Config) { c.Poll.MaxConsecutiveErrors = 0 },
			wantError: true,
		},
		{
			name:      "backoff cap below interval",
			mutate:    func(c *Config) { c.Poll.MaxBackoff = time.Second },
			wantError: true,
		},
		{
			name:      "username without password",
			mutate:    func(c *Config) { c.Copernicus.Username = "someone" },
			wantError: true,
		},
		{
			name: "username with password",
			mutate: func(c *Config) {
				c.Copernicus.Username = "someone"
				c.Copernicus.Password = "secret"
			},
			wantError: false,
		},
		{
			name:      "zero planetary concurrency",
			mutate:    func(c *Config) { c.Planetary.Concurrency = 0 },
			wantError: true,
		},
		{
			name:      "invalid log level",
			mutate:    func(c *Config) { c.Logging.Level = "invalid" },
			wantError: true,
		},
		{
			name:      "invalid log format",
			mutate:    func(c *Config) { c.Logging.Format = "xml" },
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestServerConfigAddress(t *testing.T) {
	cfg := ServerConfig{
		Host: "localhost",
		Port: 3000,
	}

	addr := cfg.Address()
	expected := "localhost:3000"
	if addr != expected {
		t.Errorf("Address() = %s, expected %s", addr, expected)
	}
}

func TestDefaults_IgnoresEnvironment(t *testing.T) {
	os.Setenv("SERVER_PORT", "9191")
	defer os.Unsetenv("SERVER_PORT")

	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() failed: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Planetary.Collection != "landsat-c2-l2" {
		t.Errorf("expected default collection landsat-c2-l2, got %s", cfg.Planetary.Collection)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}
