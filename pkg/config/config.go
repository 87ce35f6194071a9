// Package config loads the hotspotd YAML configuration.
//
// Values may reference environment variables (${VAR}); a dotenv file is
// loaded into the environment first when present. Secrets can be read from
// files through the *_file keys, which win over inline values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// Directory drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Guard types.
const (
	GuardLocal = "local"
	GuardRedis = "redis"
)

// Defaults.
const (
	DefaultMetricsAddr  = ":9090"
	DefaultListen       = ":8080"
	DefaultLogLevel     = "info"
	DefaultPollInterval = 15 * time.Second
	DefaultSQLitePath   = "/var/lib/hotspotd/hotspotd.db"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full process configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	Poll      PollConfig              `yaml:"poll"`
	Directory DirectoryConfig         `yaml:"directory"`
	Guard     GuardConfig             `yaml:"guard"`
	API       APIConfig               `yaml:"api"`
	Provision ProvisionConfig         `yaml:"provision"`
	Packages  []directory.Package     `yaml:"packages"`
	Routers   []platform.RouterConfig `yaml:"routers"`
}

// PollConfig controls the session poller.
type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	// StaleAfter enables offline-by-absence; zero disables it.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DirectoryConfig selects the device directory backend.
type DirectoryConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	DSNFile  string `yaml:"dsn_file"`
	Database string `yaml:"database"`
}

// GuardConfig selects the poll-cycle guard.
type GuardConfig struct {
	Type      string `yaml:"type"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen        string   `yaml:"listen"`
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTSecretFile string   `yaml:"jwt_secret_file"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

// ProvisionConfig configures account provisioning.
type ProvisionConfig struct {
	UsernamePrefix string `yaml:"username_prefix"`
}

// LoadDotEnv loads path into the environment if it exists. Variables already
// set are not overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads, expands, defaults, resolves secrets in and validates the file.
// A missing file yields the defaults.
func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Config file not found, using defaults", zap.String("path", path))
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Loaded config file",
		zap.String("path", path),
		zap.Int("routers", len(cfg.Routers)),
		zap.Int("packages", len(cfg.Packages)),
		zap.String("directory", cfg.Directory.Driver),
		zap.String("guard", cfg.Guard.Type),
	)
	return cfg, nil
}

// Parse expands environment references in data and decodes it strictly.
// Defaults are applied; secrets files are not read.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Directory.Driver == "" {
		c.Directory.Driver = DriverMemory
	}
	if c.Directory.Driver == DriverSQLite && c.Directory.DSN == "" && c.Directory.DSNFile == "" {
		c.Directory.DSN = DefaultSQLitePath
	}
	if c.Guard.Type == "" {
		c.Guard.Type = GuardLocal
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.API.JWTSecret, err = readSecret(c.API.JWTSecret, c.API.JWTSecretFile); err != nil {
		return fmt.Errorf("api.jwt_secret_file: %w", err)
	}
	if c.Directory.DSN, err = readSecret(c.Directory.DSN, c.Directory.DSNFile); err != nil {
		return fmt.Errorf("directory.dsn_file: %w", err)
	}
	for i := range c.Routers {
		r := &c.Routers[i]
		if r.Password, err = readSecret(r.Password, r.PasswordFile); err != nil {
			return fmt.Errorf("router %s password_file: %w", r.ID, err)
		}
		if r.RADIUSSecret, err = readSecret(r.RADIUSSecret, r.RADIUSSecretFile); err != nil {
			return fmt.Errorf("router %s radius_secret_file: %w", r.ID, err)
		}
	}
	return nil
}

// readSecret returns the trimmed contents of filePath when set, else direct.
func readSecret(direct, filePath string) (string, error) {
	if filePath == "" {
		return direct, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks the configuration for errors that would only surface
// later at runtime.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level %q", ErrInvalid, c.LogLevel)
	}

	if c.Poll.Interval < 0 || c.Poll.CycleTimeout < 0 || c.Poll.StaleAfter < 0 {
		return fmt.Errorf("%w: poll durations must not be negative", ErrInvalid)
	}
	if c.Poll.StaleAfter > 0 && c.Poll.StaleAfter < c.Poll.Interval {
		return fmt.Errorf("%w: poll.stale_after (%s) is shorter than poll.interval (%s)",
			ErrInvalid, c.Poll.StaleAfter, c.Poll.Interval)
	}

	switch c.Directory.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.Directory.DSN == "" {
			return fmt.Errorf("%w: directory.dsn required for driver %s", ErrInvalid, c.Directory.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown directory driver %q", ErrInvalid, c.Directory.Driver)
	}

	switch c.Guard.Type {
	case GuardLocal:
	case GuardRedis:
		if c.Guard.RedisURL == "" {
			return fmt.Errorf("%w: guard.redis_url required for redis guard", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown guard type %q", ErrInvalid, c.Guard.Type)
	}

	names := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if p.Name == "" {
			return fmt.Errorf("%w: package without a name", ErrInvalid)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate package %q", ErrInvalid, p.Name)
		}
		names[p.Name] = true
		if p.DeviceLimit < 1 {
			return fmt.Errorf("%w: package %q device_limit must be at least 1", ErrInvalid, p.Name)
		}
	}

	ids := make(map[string]bool, len(c.Routers))
	for i, r := range c.Routers {
		if r.ID == "" {
			return fmt.Errorf("%w: router %d has no id", ErrInvalid, i)
		}
		if ids[r.ID] {
			return fmt.Errorf("%w: duplicate router id %q", ErrInvalid, r.ID)
		}
		ids[r.ID] = true
		if _, err := platform.ParsePlatform(string(r.Platform)); err != nil {
			return fmt.Errorf("%w: router %s: %w", ErrInvalid, r.ID, err)
		}
		if r.Host == "" && !(r.Platform == platform.PlatformUniFi && r.BaseURL != "") {
			return fmt.Errorf("%w: router %s has no host", ErrInvalid, r.ID)
		}
	}
	return nil
}
