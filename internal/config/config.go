package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/logging"
)

// Cache backends
const (
	CacheBackendFile = "file"
	CacheBackendSQL  = "sql"
)

// Config represents the complete application configuration
type Config struct {
	Analysis  AnalysisConfig
	Data      DataConfig
	Cache     CacheConfig
	Database  DatabaseConfig
	Server    ServerConfig
	Profiling ProfilingConfig
	LogLevel  string
}

// AnalysisConfig holds the statistical defaults of every run
type AnalysisConfig struct {
	Alpha         float64
	Beta          float64
	NPermutations int
	Seed          int64
	Workers       int
	Variance      experiment.VarianceConvention
}

// DataConfig holds input file locations
type DataConfig struct {
	FunnelFile   string
	ProgressFile string
}

// CacheConfig selects where permutation runs are persisted
type CacheConfig struct {
	Backend string
	Path    string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string
	URL    string
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ProfilingConfig holds performance profiling settings
type ProfilingConfig struct {
	Port    string
	Enabled bool
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Analysis: loadAnalysisConfig(),
		Data: DataConfig{
			FunnelFile:   getEnvOrDefault("FUNNEL_FILE", ""),
			ProgressFile: getEnvOrDefault("PROGRESS_FILE", ""),
		},
		Cache: CacheConfig{
			Backend: strings.ToLower(getEnvOrDefault("CACHE_BACKEND", CacheBackendFile)),
			Path:    getEnvOrDefault("CACHE_PATH", "data/permutations.json"),
		},
		Database: DatabaseConfig{
			Driver: getEnvOrDefault("DATABASE_DRIVER", "postgres"),
			URL:    os.Getenv("DATABASE_URL"),
		},
		Server: ServerConfig{
			Port:         getEnvOrDefault("PORT", "8080"),
			ReadTimeout:  getEnvDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDurationOrDefault("SERVER_WRITE_TIMEOUT", 10*time.Minute),
		},
		Profiling: ProfilingConfig{
			Port:    getEnvOrDefault("PPROF_PORT", "6060"),
			Enabled: getEnvBoolOrDefault("PPROF_ENABLED", false),
		},
		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func loadAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		Alpha:         getEnvFloatOrDefault("ANALYSIS_ALPHA", experiment.DefaultAlpha),
		Beta:          getEnvFloatOrDefault("ANALYSIS_BETA", experiment.DefaultBeta),
		NPermutations: getEnvIntOrDefault("N_PERMUTATIONS", experiment.DefaultPermutations),
		Seed:          getEnvInt64OrDefault("PERMUTATION_SEED", 0),
		Workers:       getEnvIntOrDefault("PERMUTATION_WORKERS", 0),
		Variance:      experiment.VarianceConvention(strings.ToLower(getEnvOrDefault("VARIANCE_CONVENTION", string(experiment.VarianceWelch)))),
	}
}

func validateConfig(config *Config) error {
	switch config.Cache.Backend {
	case CacheBackendFile:
		if config.Cache.Path == "" {
			return errors.ConfigInvalid("CACHE_PATH is required for the file cache")
		}
	case CacheBackendSQL:
		if config.Database.URL == "" {
			return errors.ConfigInvalid("DATABASE_URL is required for the sql cache")
		}
	default:
		return errors.ConfigInvalid("CACHE_BACKEND must be file or sql, got " + strconv.Quote(config.Cache.Backend))
	}
	if _, err := logging.ParseLevel(config.LogLevel); err != nil {
		return errors.ConfigInvalid(err.Error())
	}
	// Range checks on the analysis values belong to experiment.NewSettings.
	_, err := experiment.NewSettings(config.Analysis.Settings())
	return err
}

// Settings returns the analysis defaults as unvalidated settings.
func (a AnalysisConfig) Settings() experiment.Settings {
	return experiment.Settings{
		Alpha:         a.Alpha,
		Beta:          a.Beta,
		NPermutations: a.NPermutations,
		Variance:      a.Variance,
		Seed:          a.Seed,
		Workers:       a.Workers,
	}
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
