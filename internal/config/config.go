// Package config loads SiteSync configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all tunables for the agent and the reference authority.
type Config struct {
	// Agent
	DataDir      string // local SQLite data directory
	ListenAddr   string // collaboration/status HTTP listen address
	AuthorityURL string // remote document authority base URL
	JWTSecret    string // shared secret for author identity tokens

	// Sync engine
	SyncInterval   time.Duration // periodic flush interval while online
	BackoffBase    time.Duration // first retry delay on transient failure
	BackoffCeiling time.Duration // max retry delay
	RetryCeiling   int           // attempts per flush before reporting "sync delayed"
	FlushParallel  int           // max documents flushing concurrently

	// Collaboration session
	HeartbeatWindow time.Duration // presence dropped after this much silence

	// Reference authority server
	AuthorityListenAddr string
	PostgresDSN         string
}

// Load reads configuration from the environment, first merging a .env file if
// one is present next to the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DataDir:      getEnv("SITESYNC_DATA_DIR", "./data"),
		ListenAddr:   getEnv("SITESYNC_LISTEN_ADDR", ":8090"),
		AuthorityURL: getEnv("SITESYNC_AUTHORITY_URL", "http://localhost:8091"),
		JWTSecret:    getEnv("SITESYNC_JWT_SECRET", ""),

		SyncInterval:   getDuration("SITESYNC_SYNC_INTERVAL", 30*time.Second),
		BackoffBase:    getDuration("SITESYNC_BACKOFF_BASE", 2*time.Second),
		BackoffCeiling: getDuration("SITESYNC_BACKOFF_CEILING", 5*time.Minute),
		RetryCeiling:   getInt("SITESYNC_RETRY_CEILING", 5),
		FlushParallel:  getInt("SITESYNC_FLUSH_PARALLEL", 4),

		HeartbeatWindow: getDuration("SITESYNC_HEARTBEAT_WINDOW", 30*time.Second),

		AuthorityListenAddr: getEnv("SITESYNC_AUTHORITY_LISTEN_ADDR", ":8091"),
		PostgresDSN:         getEnv("SITESYNC_POSTGRES_DSN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
