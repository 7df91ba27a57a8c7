package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"

	ModePeriodic = "periodic"
	ModeOnDemand = "on_demand"
)

// Config holds all configuration for myrai-meds
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LogConfig       `mapstructure:"logging"`

	v *viper.Viper
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// SchedulerConfig controls how overdue sweeps are triggered
type SchedulerConfig struct {
	Mode            string        `mapstructure:"mode"`
	Interval        time.Duration `mapstructure:"interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	SweepsPerSecond float64       `mapstructure:"sweeps_per_second"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// ScheduleConfig holds the zone schedule slots are interpreted in
type ScheduleConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	AdminPassword string   `mapstructure:"admin_password"`
	AllowOrigins  []string `mapstructure:"allow_origins"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Environment variables (MEDS_SERVER_PORT, MEDS_STORAGE_BACKEND, etc.)
	v.SetEnvPrefix("MEDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyAliases()

	if dataDir == "" {
		dataDir = v.GetString("storage.data_dir")
	}
	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "meds.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "meds.yaml")
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	// An explicit --data flag wins over the file.
	cfg.Storage.DataDir = dataDir
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("storage.backend", BackendSQLite)

	v.SetDefault("scheduler.mode", ModePeriodic)
	v.SetDefault("scheduler.interval", 15*time.Minute)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.sweeps_per_second", 20.0)
	v.SetDefault("scheduler.breaker_failures", 5)
	v.SetDefault("scheduler.breaker_timeout", time.Minute)

	v.SetDefault("schedule.timezone", "Local")

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.admin_password", "")
	v.SetDefault("security.allow_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

func getDefaultDataDir() string {
	if xdg := GetEnvDefault("XDG_DATA_HOME", ""); xdg != "" {
		return filepath.Join(xdg, "myrai-meds")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "myrai-meds")
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case BackendSQLite, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, badger, memory, got %q", cfg.Storage.Backend)
	}

	switch cfg.Scheduler.Mode {
	case ModePeriodic, ModeOnDemand:
	default:
		return fmt.Errorf("scheduler.mode must be periodic or on_demand, got %q", cfg.Scheduler.Mode)
	}
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		cfg.Scheduler.MaxConcurrent = 1
	}

	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	// Generate JWT secret if not provided
	if cfg.Security.JWTSecret == "" {
		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		cfg.Security.JWTSecret = secret
	}

	return nil
}

// Location resolves schedule.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Schedule.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Schedule.Timezone)
	}
}

// Watch calls onChange with a freshly decoded Config whenever the config file
// changes. It is a no-op when no file was loaded.
func (c *Config) Watch(onChange func(*Config, error)) bool {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return false
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(c.v))
	})
	c.v.WatchConfig()
	return true
}

// FileUsed returns the config file path, if any.
func (c *Config) FileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
