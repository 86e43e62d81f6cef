// EthHook is a multi-tenant webhook delivery platform for EVM chain events.
// Copyright (C) 2025 EthHook Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads per-service configuration from an optional
// KEY=value file plus environment variables, the way
// internal/provisioner/config does for the registry: sane defaults,
// explicit validation, and typed durations. Environment variables always
// override file values, per the process contract ("reads additional
// overrides from environment").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Overlay holds key=value pairs loaded from the service's -config file.
// Lookups consult the process environment first, then the file.
type Overlay map[string]string

// LoadOverlay parses the file at path as KEY=value lines; blank lines and
// #-comments are ignored. An empty path returns an empty overlay, so a
// service run without -config behaves exactly as environment-only.
func LoadOverlay(path string) (Overlay, error) {
	if path == "" {
		return Overlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	o := Overlay{}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected KEY=value, got %q", path, i+1, line)
		}
		o[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return o, nil
}

// get returns the value for key: process environment first, then the
// overlay file, then empty.
func (o Overlay) get(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return o[key]
}

func (o Overlay) getDefault(key, def string) string {
	if val := o.get(key); val != "" {
		return val
	}
	return def
}

// Common holds settings shared by all three services.
type Common struct {
	RedisURL      string
	ClickHouseDSN string
	MetadataDSN   string
	LogLevel      string
	LogFormat     string
}

func loadCommon(o Overlay) (Common, error) {
	c := Common{
		RedisURL:      o.getDefault("REDIS_URL", "redis://127.0.0.1:6379/0"),
		ClickHouseDSN: o.getDefault("CLICKHOUSE_DSN", "clickhouse://127.0.0.1:9000/ethhook"),
		MetadataDSN:   o.getDefault("DATABASE_URL", "ethhook_metadata.db"),
		LogLevel:      o.getDefault("LOG_LEVEL", "info"),
		LogFormat:     o.getDefault("LOG_FORMAT", "json"),
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return c, fmt.Errorf("REDIS_URL must not be empty")
	}
	if strings.TrimSpace(c.ClickHouseDSN) == "" {
		return c, fmt.Errorf("CLICKHOUSE_DSN must not be empty")
	}
	return c, nil
}

// IngestorConfig controls one ingestor process, which may run several
// per-chain workers.
type IngestorConfig struct {
	Common

	ChainIDs           []uint64
	UpstreamWSURL      map[uint64]string
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration
	SustainedConnected time.Duration
	DedupWindow        time.Duration
	ArenaCapacityBytes int
}

// LoadIngestorConfig reads ingestor settings from the overlay file and
// the environment.
func LoadIngestorConfig(o Overlay) (IngestorConfig, error) {
	common, err := loadCommon(o)
	if err != nil {
		return IngestorConfig{}, err
	}

	cfg := IngestorConfig{
		Common:             common,
		ReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:  60 * time.Second,
		SustainedConnected: 1 * time.Minute,
		DedupWindow:        10 * time.Minute,
		ArenaCapacityBytes: 64 * 1024,
	}

	if val := o.get("CHAIN_ID"); val != "" {
		id, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid CHAIN_ID: %w", err)
		}
		cfg.ChainIDs = []uint64{id}
	}
	if len(cfg.ChainIDs) == 0 {
		return cfg, fmt.Errorf("CHAIN_ID must be set to at least one chain")
	}

	if val := o.get("DEDUP_WINDOW"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid DEDUP_WINDOW: %w", err)
		}
		cfg.DedupWindow = d
	}

	cfg.UpstreamWSURL = make(map[uint64]string, len(cfg.ChainIDs))
	for _, id := range cfg.ChainIDs {
		key := fmt.Sprintf("UPSTREAM_WS_URL_%d", id)
		url := o.get(key)
		if url == "" {
			url = o.get("UPSTREAM_WS_URL")
		}
		if url == "" {
			return cfg, fmt.Errorf("%s (or UPSTREAM_WS_URL) must be set", key)
		}
		cfg.UpstreamWSURL[id] = url
	}

	return cfg, nil
}

// ProcessorConfig controls the processor pool.
type ProcessorConfig struct {
	Common

	ChainIDs        []uint64
	WorkerCount     int
	NumShards       int
	RefreshInterval time.Duration
	MaxWaitMs       time.Duration
	ConsumerGroup   string
}

// LoadProcessorConfig reads processor settings from the overlay file and
// the environment.
func LoadProcessorConfig(o Overlay) (ProcessorConfig, error) {
	common, err := loadCommon(o)
	if err != nil {
		return ProcessorConfig{}, err
	}

	cfg := ProcessorConfig{
		Common:          common,
		WorkerCount:     4,
		NumShards:       4,
		RefreshInterval: 30 * time.Second,
		MaxWaitMs:       1 * time.Second,
		ConsumerGroup:   "processor",
	}

	if val := o.get("CHAIN_IDS"); val != "" {
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid entry in CHAIN_IDS: %w", err)
			}
			cfg.ChainIDs = append(cfg.ChainIDs, id)
		}
	}
	if len(cfg.ChainIDs) == 0 {
		return cfg, fmt.Errorf("CHAIN_IDS must list at least one chain id")
	}

	if val := o.get("PROCESSOR_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid PROCESSOR_WORKERS: %q", val)
		}
		cfg.WorkerCount = n
	}
	if val := o.get("ENDPOINT_REFRESH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ENDPOINT_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = d
	}
	if val := o.get("DELIVERY_SHARDS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid DELIVERY_SHARDS: %q", val)
		}
		cfg.NumShards = n
	}

	return cfg, nil
}

// DeliveryConfig controls the delivery worker pool.
type DeliveryConfig struct {
	Common

	NumShards      int
	WorkerCount    int
	MaxWaitMs      time.Duration
	ConsumerGroup  string
	ShutdownGrace  time.Duration
	BreakerDefault BreakerDefaults
}

// BreakerDefaults mirrors the defaults named in spec.md 4.2.
type BreakerDefaults struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
}

// LoadDeliveryConfig reads delivery worker settings from the overlay file
// and the environment.
func LoadDeliveryConfig(o Overlay) (DeliveryConfig, error) {
	common, err := loadCommon(o)
	if err != nil {
		return DeliveryConfig{}, err
	}

	cfg := DeliveryConfig{
		Common:        common,
		NumShards:     4,
		WorkerCount:   8,
		MaxWaitMs:     1 * time.Second,
		ConsumerGroup: "delivery",
		ShutdownGrace: 30 * time.Second,
		BreakerDefault: BreakerDefaults{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 3,
		},
	}

	if val := o.get("DELIVERY_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid DELIVERY_WORKERS: %q", val)
		}
		cfg.WorkerCount = n
	}
	if val := o.get("DELIVERY_SHARDS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid DELIVERY_SHARDS: %q", val)
		}
		cfg.NumShards = n
	}

	return cfg, nil
}
