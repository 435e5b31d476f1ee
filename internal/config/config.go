// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the service configuration.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// MongoConfig locates the source database.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RetryConfig governs the delivery retry schedule.
type RetryConfig struct {
	BaseMs      int `yaml:"baseMs"`
	CapMs       int `yaml:"capMs"`
	MaxAttempts int `yaml:"maxAttempts"`
}

// BreakerConfig carries the service-wide circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failureThreshold"`
	TimeoutMs          int `yaml:"timeoutMs"`
	ResetTimeoutMs     int `yaml:"resetTimeoutMs"`
	SuccessThreshold   int `yaml:"successThreshold"`
	VolumeThreshold    int `yaml:"volumeThreshold"`
	ErrorThresholdPct  int `yaml:"errorThresholdPct"`
	SlowCallMs         int `yaml:"slowCallMs"`
	SlowCallRatePct    int `yaml:"slowCallRatePct"`
	MonitoringPeriodMs int `yaml:"monitoringPeriodMs"`
}

// ChangeStreamConfig governs the change feed readers.
type ChangeStreamConfig struct {
	PartitionPrefix string   `yaml:"partitionPrefix"`
	Collections     []string `yaml:"collections"`
	BatchSize       int      `yaml:"batchSize"`
	ReconnectBaseMs int      `yaml:"reconnectBaseMs"`
	ReconnectCapMs  int      `yaml:"reconnectCapMs"`
}

// DispatcherConfig governs the delivery worker pool.
type DispatcherConfig struct {
	PerRequestTimeoutMs int `yaml:"perRequestTimeoutMs"`
	LeaseMs             int `yaml:"leaseMs"`
	GracePeriodSec      int `yaml:"gracePeriodSec"`
}

// MapsConfig overrides or extends the event typing maps.
type MapsConfig struct {
	Collection map[string]string `yaml:"collection"`
	Field      map[string]string `yaml:"field"`
}

// Config is the full service configuration.
type Config struct {
	Mongo        MongoConfig        `yaml:"mongo"`
	Logging      string             `yaml:"logging"`
	Workers      int                `yaml:"workers"`
	Retry        RetryConfig        `yaml:"retry"`
	Breaker      BreakerConfig      `yaml:"circuitBreaker"`
	ChangeStream ChangeStreamConfig `yaml:"changeStream"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Maps         MapsConfig         `yaml:"maps"`
}

// DefaultCollections are the platform collections watched when the
// configuration names none.
var DefaultCollections = []string{
	"issues", "projects", "documents", "comments", "attachments", "members",
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Logging: "<root>=INFO",
		Workers: 16,
		Retry: RetryConfig{
			BaseMs:      1000,
			CapMs:       3600000,
			MaxAttempts: 8,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			TimeoutMs:          30000,
			ResetTimeoutMs:     60000,
			SuccessThreshold:   2,
			VolumeThreshold:    10,
			ErrorThresholdPct:  50,
			SlowCallMs:         5000,
			SlowCallRatePct:    50,
			MonitoringPeriodMs: 60000,
		},
		ChangeStream: ChangeStreamConfig{
			PartitionPrefix: "default",
			Collections:     DefaultCollections,
			BatchSize:       64,
			ReconnectBaseMs: 500,
			ReconnectCapMs:  30000,
		},
		Dispatcher: DispatcherConfig{
			PerRequestTimeoutMs: 30000,
			LeaseMs:             60000,
			GracePeriodSec:      30,
		},
	}
}

// Read loads the configuration file at path over the defaults.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.Mongo.URI == "" {
		return errors.NotValidf("missing mongo.uri")
	}
	if c.Mongo.Database == "" {
		return errors.NotValidf("missing mongo.database")
	}
	if c.Workers < 1 {
		return errors.NotValidf("workers %d", c.Workers)
	}
	if c.Retry.BaseMs < 1 || c.Retry.CapMs < c.Retry.BaseMs {
		return errors.NotValidf("retry schedule base %dms cap %dms", c.Retry.BaseMs, c.Retry.CapMs)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.NotValidf("retry maxAttempts %d", c.Retry.MaxAttempts)
	}
	if c.Breaker.FailureThreshold < 1 {
		return errors.NotValidf("circuitBreaker failureThreshold %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ErrorThresholdPct < 1 || c.Breaker.ErrorThresholdPct > 100 {
		return errors.NotValidf("circuitBreaker errorThresholdPct %d", c.Breaker.ErrorThresholdPct)
	}
	if c.Breaker.SlowCallRatePct < 1 || c.Breaker.SlowCallRatePct > 100 {
		return errors.NotValidf("circuitBreaker slowCallRatePct %d", c.Breaker.SlowCallRatePct)
	}
	if len(c.ChangeStream.Collections) == 0 {
		return errors.NotValidf("empty changeStream.collections")
	}
	if c.ChangeStream.BatchSize < 1 {
		return errors.NotValidf("changeStream batchSize %d", c.ChangeStream.BatchSize)
	}
	if c.Dispatcher.PerRequestTimeoutMs < 1 {
		return errors.NotValidf("dispatcher perRequestTimeoutMs %d", c.Dispatcher.PerRequestTimeoutMs)
	}
	if c.Dispatcher.LeaseMs < c.Dispatcher.PerRequestTimeoutMs {
		return errors.NotValidf("dispatcher lease %dms shorter than request timeout %dms",
			c.Dispatcher.LeaseMs, c.Dispatcher.PerRequestTimeoutMs)
	}
	return nil
}

// RequestTimeout returns the per-request dispatch deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Dispatcher.PerRequestTimeoutMs) * time.Millisecond
}

// Lease returns the delivery claim lease duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Dispatcher.LeaseMs) * time.Millisecond
}

// GracePeriod returns how long shutdown waits for inflight deliveries.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Dispatcher.GracePeriodSec) * time.Second
}
