// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config provides configuration loading for the Aperi'Solve
// platform.
//
// Configuration comes from environment variables with defaults matching the
// hosted deployment, validated once at startup. The package also carries the
// external tool registry (tools.go): the mapping from analyzer names to the
// forensic binaries they shell out to.
//
// # Thread Safety
//
// A Config is immutable after Load; all exported functions are safe for
// concurrent use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// ImageExtensions lists the accepted upload suffixes, lowercased with the
// leading dot.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".tiff"}

// ExtensionAllowed reports whether a lowercased suffix is accepted for
// upload and for serving derived images.
func ExtensionAllowed(ext string) bool {
	for _, e := range ImageExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Config holds the runtime configuration shared by the web front-end, the
// analysis worker and the CLI. Durations are stored as seconds because every
// policy knob (pending reclaim, retention, removal age) is specified that
// way by the deployment environment.
type Config struct {
	// ListenAddr is the web service bind address.
	ListenAddr string `validate:"required"`

	// ResultDir is the root of the content-addressed results tree.
	ResultDir string `validate:"required"`

	// RemovedDir is the quarantine directory receiving blobs of removed
	// images.
	RemovedDir string `validate:"required"`

	// BadgerDir is the registry database path. Empty selects an
	// in-memory registry (tests, throwaway runs).
	BadgerDir string

	// RedisAddr is the queue broker address.
	RedisAddr string `validate:"required"`

	// ToolsFile optionally overrides the embedded tool registry.
	ToolsFile string

	// MaxPendingTime bounds analyzer subprocess runtime and the age at
	// which pending/running submissions are reclaimed. Seconds.
	MaxPendingTime int `validate:"min=1"`

	// MaxStoreTime is the image retention age. Seconds.
	MaxStoreTime int `validate:"min=1"`

	// MaxContentLength caps upload payloads. Bytes.
	MaxContentLength int64 `validate:"min=1"`

	// RemovalMinAge gates user-initiated removal. Seconds.
	RemovalMinAge int `validate:"min=0"`

	// ClearAtRestart wipes the registry, the results tree and the queue
	// on startup when true.
	ClearAtRestart bool

	// Version is the reported project version.
	Version string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// LogDir enables file logging when non-empty.
	LogDir string

	// LogJSON switches stderr logs to JSON.
	LogJSON bool

	// OTelExporter selects trace/metric export: none, stdout or otlp.
	OTelExporter string `validate:"oneof=none stdout otlp"`

	// OTLPEndpoint is the OTLP gRPC endpoint when OTelExporter is otlp.
	OTLPEndpoint string

	// InfluxURL enables the analyzer-stats sink when non-empty.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// UploadRate and UploadBurst bound per-IP uploads (per minute).
	UploadRate  int `validate:"min=1"`
	UploadBurst int `validate:"min=1"`
}

// DefaultConfig returns the defaults of the hosted deployment.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":5000",
		ResultDir:        "./results",
		RemovedDir:       "./removed_images",
		BadgerDir:        "./registry",
		RedisAddr:        "redis:6379",
		MaxPendingTime:   600,
		MaxStoreTime:     259200, // 3 days
		MaxContentLength: 1 << 20,
		RemovalMinAge:    300,
		Version:          "development",
		LogLevel:         "info",
		OTelExporter:     "none",
		UploadRate:       30,
		UploadBurst:      10,
	}
}

// Load reads configuration from the environment on top of the defaults and
// validates the result.
func Load() (Config, error) {
	cfg := DefaultConfig()

	cfg.ListenAddr = getEnvOr("APERISOLVE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ResultDir = getEnvOr("APERISOLVE_RESULT_DIR", cfg.ResultDir)
	cfg.RemovedDir = getEnvOr("APERISOLVE_REMOVED_DIR", cfg.RemovedDir)
	cfg.BadgerDir = getEnvOr("APERISOLVE_BADGER_DIR", cfg.BadgerDir)
	cfg.RedisAddr = getEnvOr("APERISOLVE_REDIS_ADDR", cfg.RedisAddr)
	cfg.ToolsFile = getEnvOr("APERISOLVE_TOOLS_FILE", cfg.ToolsFile)
	cfg.Version = getEnvOr("PROJECT_VERSION", cfg.Version)
	cfg.LogLevel = getEnvOr("APERISOLVE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDir = getEnvOr("APERISOLVE_LOG_DIR", cfg.LogDir)
	cfg.OTelExporter = getEnvOr("APERISOLVE_OTEL_EXPORTER", cfg.OTelExporter)
	cfg.OTLPEndpoint = getEnvOr("APERISOLVE_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.InfluxURL = getEnvOr("APERISOLVE_INFLUX_URL", cfg.InfluxURL)
	cfg.InfluxToken = getEnvOr("APERISOLVE_INFLUX_TOKEN", cfg.InfluxToken)
	cfg.InfluxOrg = getEnvOr("APERISOLVE_INFLUX_ORG", cfg.InfluxOrg)
	cfg.InfluxBucket = getEnvOr("APERISOLVE_INFLUX_BUCKET", cfg.InfluxBucket)

	var err error
	if cfg.MaxPendingTime, err = getEnvInt("MAX_PENDING_TIME", cfg.MaxPendingTime); err != nil {
		return cfg, err
	}
	if cfg.MaxStoreTime, err = getEnvInt("MAX_STORE_TIME", cfg.MaxStoreTime); err != nil {
		return cfg, err
	}
	maxContent, err := getEnvInt("MAX_CONTENT_LENGTH", int(cfg.MaxContentLength))
	if err != nil {
		return cfg, err
	}
	cfg.MaxContentLength = int64(maxContent)
	if cfg.RemovalMinAge, err = getEnvInt("REMOVAL_MIN_AGE_SECONDS", cfg.RemovalMinAge); err != nil {
		return cfg, err
	}
	if cfg.UploadRate, err = getEnvInt("APERISOLVE_UPLOAD_RATE", cfg.UploadRate); err != nil {
		return cfg, err
	}
	if cfg.UploadBurst, err = getEnvInt("APERISOLVE_UPLOAD_BURST", cfg.UploadBurst); err != nil {
		return cfg, err
	}

	cfg.ClearAtRestart = os.Getenv("CLEAR_AT_RESTART") == "1"
	cfg.LogJSON = os.Getenv("APERISOLVE_LOG_JSON") == "1"

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.OTelExporter == "otlp" && c.OTLPEndpoint == "" {
		return fmt.Errorf("invalid configuration: OTLP exporter selected without APERISOLVE_OTLP_ENDPOINT")
	}
	return nil
}

// PendingTimeout returns MaxPendingTime as a duration.
func (c Config) PendingTimeout() time.Duration {
	return time.Duration(c.MaxPendingTime) * time.Second
}

// StoreTimeout returns MaxStoreTime as a duration.
func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.MaxStoreTime) * time.Second
}

// RemovalMinAgeDuration returns RemovalMinAge as a duration.
func (c Config) RemovalMinAgeDuration() time.Duration {
	return time.Duration(c.RemovalMinAge) * time.Second
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}
