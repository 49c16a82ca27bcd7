// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port
	HTTPPort int

	// Object store connection
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Notification channel; empty disables publishing
	RedisAddr string

	// OTLP trace collector endpoint; empty disables tracing
	OTELEndpoint string

	// Fixed pause between bulk generation batches
	BulkBatchDelay time.Duration

	// Per-user rate limit on job-creating endpoints
	RatePerSecond float64
	RateBurst     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbUrl := os.Getenv("DATABASE_URL")
	if dbUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	port := 7070 // Default
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		port = p
	}

	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT is required")
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "formvault"
	}

	batchDelay := time.Second // Default
	if delayStr := os.Getenv("BULK_BATCH_DELAY"); delayStr != "" {
		d, err := time.ParseDuration(delayStr)
		if err != nil {
			return nil, fmt.Errorf("invalid BULK_BATCH_DELAY: %w", err)
		}
		batchDelay = d
	}

	ratePerSecond := 5.0
	if rateStr := os.Getenv("RATE_PER_SECOND"); rateStr != "" {
		v, err := strconv.ParseFloat(rateStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_PER_SECOND: %w", err)
		}
		ratePerSecond = v
	}

	rateBurst := 10
	if burstStr := os.Getenv("RATE_BURST"); burstStr != "" {
		v, err := strconv.Atoi(burstStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_BURST: %w", err)
		}
		rateBurst = v
	}

	return &Config{
		DatabaseURL:    dbUrl,
		HTTPPort:       port,
		MinioEndpoint:  endpoint,
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    bucket,
		MinioUseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTELEndpoint:   os.Getenv("OTEL_ENDPOINT"),
		BulkBatchDelay: batchDelay,
		RatePerSecond:  ratePerSecond,
		RateBurst:      rateBurst,
	}, nil
}
