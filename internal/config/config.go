// Package config handles environment variable loading for database strings,
// worker tuning, the evidence lake root, and the indexer endpoint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the worker process.
type Config struct {
	// Database connection string
	DatabaseURL string

	// Worker pool size
	WorkerConcurrency int

	// Queue poll interval and its empty-queue backoff ceiling
	WorkerPollInterval time.Duration
	WorkerMaxBackoff   time.Duration

	// Heartbeat keeping claimed runs invisible to other workers
	WorkerHeartbeatInterval time.Duration

	// Container poll loop tick; cancellation and completion are observed
	// within one tick
	EnginePollInterval time.Duration

	// Evidence lake root directory for run workspaces and outputs
	LakeRoot string

	// Indexing service base URL; empty disables the handoff
	IndexerURL string

	// Size ceiling for files handed to the indexer, in megabytes
	MaxIndexFileMB int64

	// OTLP collector endpoint for traces
	OTELEndpoint string

	// Metrics HTTP listen port
	MetricsPort int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	concurrency, err := intEnv("WORKER_CONCURRENCY", 1)
	if err != nil {
		return nil, err
	}

	pollInterval, err := durationEnv("WORKER_POLL_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, err
	}

	maxBackoff, err := durationEnv("WORKER_MAX_BACKOFF", 30*time.Second)
	if err != nil {
		return nil, err
	}

	heartbeat, err := durationEnv("WORKER_HEARTBEAT_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	enginePoll, err := durationEnv("ENGINE_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}

	lakeRoot := os.Getenv("LAKE_ROOT")
	if lakeRoot == "" {
		lakeRoot = "/var/lib/requiem/lake"
	}

	maxIndexMB, err := int64Env("MAX_INDEX_FILE_MB", 256)
	if err != nil {
		return nil, err
	}

	otelEndpoint := os.Getenv("OTEL_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}

	metricsPort, err := intEnv("METRICS_PORT", 6162)
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabaseURL:             dbURL,
		WorkerConcurrency:       concurrency,
		WorkerPollInterval:      pollInterval,
		WorkerMaxBackoff:        maxBackoff,
		WorkerHeartbeatInterval: heartbeat,
		EnginePollInterval:      enginePoll,
		LakeRoot:                lakeRoot,
		IndexerURL:              os.Getenv("INDEXER_URL"),
		MaxIndexFileMB:          maxIndexMB,
		OTELEndpoint:            otelEndpoint,
		MetricsPort:             metricsPort,
	}, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func int64Env(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
