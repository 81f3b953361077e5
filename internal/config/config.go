package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nadmax/taskstatus/internal/database"
)

const (
	defaultListenAddr      = ":9090"
	defaultDBDriver        = database.DriverSQLite
	defaultDBDSN           = "taskstatus.db"
	defaultCleanupInterval = 5 * time.Minute
	defaultCleanupTTL      = 24 * time.Hour

	envConfigFile        = "TASKSTATUS_CONFIG"
	envListenAddr        = "TASKSTATUS_LISTEN_ADDR"
	envDBDriver          = "TASKSTATUS_DB_DRIVER"
	envDBDSN             = "TASKSTATUS_DB_DSN"
	envOwnerID           = "TASKSTATUS_OWNER_ID"
	envRedisAddr         = "TASKSTATUS_REDIS_ADDR"
	envLogLevel          = "TASKSTATUS_LOG_LEVEL"
	envCleanupInterval   = "TASKSTATUS_CLEANUP_INTERVAL"
	envCleanupTTL        = "TASKSTATUS_CLEANUP_TTL"
	envRetryMaxAttempts  = "TASKSTATUS_RETRY_MAX_ATTEMPTS"
	envRetryInitialDelay = "TASKSTATUS_RETRY_INITIAL_DELAY"
	envRetryMaxDelay     = "TASKSTATUS_RETRY_MAX_DELAY"
)

// Config holds the daemon configuration. Values come from defaults, then the TOML file
// named by TASKSTATUS_CONFIG, then TASKSTATUS_* environment variables.
type Config struct {
	ListenAddr      string
	DBDriver        string
	DBDSN           string
	OwnerID         string
	RedisAddr       string
	LogLevel        slog.Level
	CleanupInterval time.Duration
	CleanupTTL      time.Duration
	Retry           database.RetryPolicy
}

type fileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	OwnerID    string `toml:"owner_id"`
	RedisAddr  string `toml:"redis_addr"`
	LogLevel   string `toml:"log_level"`

	Database struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"database"`

	Cleanup struct {
		Interval time.Duration `toml:"interval"`
		TTL      time.Duration `toml:"ttl"`
	} `toml:"cleanup"`

	Retry struct {
		MaxAttempts  int           `toml:"max_attempts"`
		InitialDelay time.Duration `toml:"initial_delay"`
		MaxDelay     time.Duration `toml:"max_delay"`
	} `toml:"retry"`
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBDriver:        defaultDBDriver,
		DBDSN:           defaultDBDSN,
		OwnerID:         defaultOwnerID(),
		LogLevel:        slog.LevelInfo,
		CleanupInterval: defaultCleanupInterval,
		CleanupTTL:      defaultCleanupTTL,
		Retry:           database.DefaultRetryPolicy(),
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.OwnerID, f.OwnerID)
	setString(&c.RedisAddr, f.RedisAddr)
	setString(&c.DBDriver, f.Database.Driver)
	setString(&c.DBDSN, f.Database.DSN)
	if f.LogLevel != "" {
		c.LogLevel = parseLogLevel(f.LogLevel)
	}
	if f.Cleanup.Interval != 0 {
		c.CleanupInterval = f.Cleanup.Interval
	}
	if f.Cleanup.TTL != 0 {
		c.CleanupTTL = f.Cleanup.TTL
	}
	if f.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = f.Retry.MaxAttempts
	}
	if f.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = f.Retry.InitialDelay
	}
	if f.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = f.Retry.MaxDelay
	}

	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.ListenAddr, os.Getenv(envListenAddr))
	setString(&c.DBDriver, os.Getenv(envDBDriver))
	setString(&c.DBDSN, os.Getenv(envDBDSN))
	setString(&c.OwnerID, os.Getenv(envOwnerID))
	setString(&c.RedisAddr, os.Getenv(envRedisAddr))
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}

	var errs []error
	errs = append(errs,
		setDuration(&c.CleanupInterval, envCleanupInterval),
		setDuration(&c.CleanupTTL, envCleanupTTL),
		setDuration(&c.Retry.InitialDelay, envRetryInitialDelay),
		setDuration(&c.Retry.MaxDelay, envRetryMaxDelay),
	)
	if v := os.Getenv(envRetryMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envRetryMaxAttempts, err))
		} else {
			c.Retry.MaxAttempts = n
		}
	}

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if _, err := database.DialectFor(c.DBDriver); err != nil {
		return err
	}
	if c.DBDSN == "" {
		return errors.New("database dsn is required")
	}
	if c.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	if c.CleanupTTL <= 0 {
		return fmt.Errorf("cleanup ttl must be positive, got %s", c.CleanupTTL)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	return nil
}

func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}

	return host
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	*dst = d

	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
