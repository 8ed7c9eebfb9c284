// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults. The time format is the layout of timestamps returned by the
// remote query API; StartYear is the first year of the synthetic timeline.
const (
	DefaultPort          = "8080"
	DefaultDBPath        = "/storage/db"
	DefaultTmpPath       = "/storage/tmp"
	DefaultDataPath      = "/storage/data"
	DefaultTimeFormat    = "2006-01-02T15:04:05.000000Z"
	DefaultStartYear     = 1970
	DefaultChunkSize     = 50000
	DefaultMaxJobs       = 5
	DefaultCheckInterval = 5 * time.Second
	DefaultLogLevel      = "info"
)

// Server timeouts.
const (
	ServerReadTimeout  = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
	ClientTimeout      = 60 * time.Second
	TokenRefreshMargin = 10 * time.Second
)

// Config holds the full service configuration.
type Config struct {
	Port string

	// Storage roots: metadata store, temporary chunks, final artifacts.
	DBPath   string
	TmpPath  string
	DataPath string

	// Remote APIs.
	QueryAPIURL    string
	RegistryAPIURL string
	AuthAPIURL     string
	ClientID       string
	ClientSecret   string
	UserID         string

	// Export pipeline tuning.
	TimeFormat  string
	StartYear   int
	ChunkSize   int
	Compression bool

	// Scheduler tuning.
	MaxJobs       int
	CheckInterval time.Duration

	LogLevel string
}

// Load reads configuration from EXPORTD_* environment variables,
// falling back to defaults.
func Load() Config {
	return Config{
		Port:           getEnv("EXPORTD_PORT", DefaultPort),
		DBPath:         getEnv("EXPORTD_DB_PATH", DefaultDBPath),
		TmpPath:        getEnv("EXPORTD_TMP_PATH", DefaultTmpPath),
		DataPath:       getEnv("EXPORTD_DATA_PATH", DefaultDataPath),
		QueryAPIURL:    getEnv("EXPORTD_QUERY_API_URL", ""),
		RegistryAPIURL: getEnv("EXPORTD_REGISTRY_API_URL", ""),
		AuthAPIURL:     getEnv("EXPORTD_AUTH_API_URL", ""),
		ClientID:       getEnv("EXPORTD_CLIENT_ID", ""),
		ClientSecret:   getEnv("EXPORTD_CLIENT_SECRET", ""),
		UserID:         getEnv("EXPORTD_USER_ID", ""),
		TimeFormat:     getEnv("EXPORTD_TIME_FORMAT", DefaultTimeFormat),
		StartYear:      getEnvInt("EXPORTD_START_YEAR", DefaultStartYear),
		ChunkSize:      getEnvInt("EXPORTD_CHUNK_SIZE", DefaultChunkSize),
		Compression:    getEnvBool("EXPORTD_COMPRESSION", true),
		MaxJobs:        getEnvInt("EXPORTD_MAX_JOBS", DefaultMaxJobs),
		CheckInterval:  getEnvDuration("EXPORTD_CHECK_INTERVAL", DefaultCheckInterval),
		LogLevel:       getEnv("EXPORTD_LOG_LEVEL", DefaultLogLevel),
	}
}

// InitStoragePaths ensures the three filesystem roots exist.
func (c Config) InitStoragePaths() error {
	for _, path := range []string{c.DBPath, c.TmpPath, c.DataPath} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create storage path %s: %w", path, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
