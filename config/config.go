// Package config centralises runtime configuration for tallywire services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where tallywire operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ServerConfig sets the HTTP listener characteristics.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
}

// CatalogConfig locates the district reference data.
type CatalogConfig struct {
	// Path to a districts JSON file; empty uses the embedded dataset.
	Path string `yaml:"path"`
}

// FeedConfig sizes the live event fan-out.
type FeedConfig struct {
	BufferSize   int `yaml:"bufferSize"`
	DropQueueCap int `yaml:"dropQueueCap"`
}

// IngestConfig tunes submission handling.
type IngestConfig struct {
	// AutoRecalc rederives party percentages and summary percent fields
	// from vote counts before storing, the way the entry form does.
	AutoRecalc bool `yaml:"autoRecalc"`
}

// TelemetryConfig wires the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// ImportConfig paces the bulk loader.
type ImportConfig struct {
	Workers     int     `yaml:"workers"`
	RatePerSec  float64 `yaml:"ratePerSec"`
	Burst       int     `yaml:"burst"`
	MaxAttempts int     `yaml:"maxAttempts"`
}

// Config is the tallywire configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Feed        FeedConfig      `yaml:"feed"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Import      ImportConfig    `yaml:"import"`
}

// Default returns the default tallywire configuration.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:              ":4000",
			ReadHeaderTimeout: 5 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Catalog: CatalogConfig{Path: ""},
		Feed: FeedConfig{
			BufferSize:   64,
			DropQueueCap: 256,
		},
		Ingest: IngestConfig{AutoRecalc: true},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4318",
			OTLPInsecure: true,
			ServiceName:  "tallywire",
		},
		Import: ImportConfig{
			Workers:     4,
			RatePerSec:  20,
			Burst:       5,
			MaxAttempts: 3,
		},
	}
}

// LoadOrDefault reads configuration from path when it exists, falling back to
// defaults otherwise. Environment overrides are applied in both cases. The
// second return value reports whether a file was loaded.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case errors.Is(err, os.ErrNotExist):
			// keep defaults
		default:
			return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, loaded, err
	}
	return cfg, loaded, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	case "":
		c.Environment = EnvDev
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Feed.BufferSize <= 0 {
		c.Feed.BufferSize = 64
	}
	if c.Feed.DropQueueCap <= 0 {
		c.Feed.DropQueueCap = 256
	}
	if c.Import.Workers <= 0 {
		c.Import.Workers = 1
	}
	if c.Import.RatePerSec <= 0 {
		c.Import.RatePerSec = 20
	}
	if c.Import.Burst <= 0 {
		c.Import.Burst = 1
	}
	if c.Import.MaxAttempts <= 0 {
		c.Import.MaxAttempts = 1
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("TALLYWIRE_ENV")); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv("TALLYWIRE_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("TALLYWIRE_CATALOG")); v != "" {
		c.Catalog.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Enabled = enabled
		}
	}
}
