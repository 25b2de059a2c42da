// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration structure for the controller.
type Bootstrap struct {
	Data  *Data
	Fleet *Fleet
	Log   *Log
}

// Data holds data layer configuration (MySQL and Redis).
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds MySQL configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds Redis configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Fleet holds the controller's allocation, health and failover tunables.
type Fleet struct {
	// MaxAccountsPerProxy is the capacity assigned to newly registered proxies.
	MaxAccountsPerProxy int32
	// HealthCheckInterval is the cadence of the account health sweep.
	HealthCheckInterval *durationpb.Duration
	// ProxyTestInterval is the cadence of the proxy connectivity sweep.
	ProxyTestInterval *durationpb.Duration
	// ProbeTimeout bounds a single connectivity probe.
	ProbeTimeout *durationpb.Duration
	// ProbeTestURL is the endpoint probed through each proxy.
	ProbeTestURL string
	// MaxRetries bounds retry attempts for flaky probes.
	MaxRetries int32
	// RetryBaseDelay is the initial backoff delay; doubled per attempt.
	RetryBaseDelay *durationpb.Duration
	// AutoFailover controls whether account reassignment happens automatically
	// on proxy failure. When false only incidents are opened.
	AutoFailover bool
	// WarningThreshold is the health score below which alerts are published.
	WarningThreshold int32
	// CriticalThreshold is the health score below which incidents are opened.
	CriticalThreshold int32
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with CONTROLCENTER_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or CONTROLCENTER_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with CONTROLCENTER_ prefix
	v.SetEnvPrefix("CONTROLCENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "CONTROLCENTER_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "CONTROLCENTER_DATA_REDIS_ADDR")
	_ = v.BindEnv("fleet.probe_test_url", "PROBE_TEST_URL", "CONTROLCENTER_FLEET_PROBE_TEST_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Fleet: &Fleet{
			MaxAccountsPerProxy: v.GetInt32("fleet.max_accounts_per_proxy"),
			HealthCheckInterval: durationpb.New(v.GetDuration("fleet.health_check_interval")),
			ProxyTestInterval:   durationpb.New(v.GetDuration("fleet.proxy_test_interval")),
			ProbeTimeout:        durationpb.New(v.GetDuration("fleet.probe_timeout")),
			ProbeTestURL:        v.GetString("fleet.probe_test_url"),
			MaxRetries:          v.GetInt32("fleet.max_retries"),
			RetryBaseDelay:      durationpb.New(v.GetDuration("fleet.retry_base_delay")),
			AutoFailover:        v.GetBool("fleet.auto_failover"),
			WarningThreshold:    v.GetInt32("fleet.warning_threshold"),
			CriticalThreshold:   v.GetInt32("fleet.critical_threshold"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// DefaultFleet returns fleet tunables with all defaults applied.
// Used by tests and as a fallback when no config file is present.
func DefaultFleet() *Fleet {
	return &Fleet{
		MaxAccountsPerProxy: 2,
		HealthCheckInterval: durationpb.New(5 * time.Minute),
		ProxyTestInterval:   durationpb.New(1 * time.Minute),
		ProbeTimeout:        durationpb.New(10 * time.Second),
		ProbeTestURL:        "https://api.ipify.org",
		MaxRetries:          3,
		RetryBaseDelay:      durationpb.New(1 * time.Second),
		AutoFailover:        true,
		WarningThreshold:    50,
		CriticalThreshold:   25,
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Fleet defaults
	f := DefaultFleet()
	v.SetDefault("fleet.max_accounts_per_proxy", f.MaxAccountsPerProxy)
	v.SetDefault("fleet.health_check_interval", f.HealthCheckInterval.AsDuration())
	v.SetDefault("fleet.proxy_test_interval", f.ProxyTestInterval.AsDuration())
	v.SetDefault("fleet.probe_timeout", f.ProbeTimeout.AsDuration())
	v.SetDefault("fleet.probe_test_url", f.ProbeTestURL)
	v.SetDefault("fleet.max_retries", f.MaxRetries)
	v.SetDefault("fleet.retry_base_delay", f.RetryBaseDelay.AsDuration())
	v.SetDefault("fleet.auto_failover", f.AutoFailover)
	v.SetDefault("fleet.warning_threshold", f.WarningThreshold)
	v.SetDefault("fleet.critical_threshold", f.CriticalThreshold)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Fleet == nil || bc.Fleet.ProbeTestURL == "" {
		missingFields = append(missingFields, "fleet.probe_test_url")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if bc.Fleet.MaxAccountsPerProxy < 1 {
		return fmt.Errorf("fleet.max_accounts_per_proxy must be at least 1, got %d", bc.Fleet.MaxAccountsPerProxy)
	}
	if bc.Fleet.MaxRetries < 1 {
		return fmt.Errorf("fleet.max_retries must be at least 1, got %d", bc.Fleet.MaxRetries)
	}

	return nil
}
