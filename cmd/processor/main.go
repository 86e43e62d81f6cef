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

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/internal/analytics"
	"github.com/ipcasj/ethhook/internal/batchwriter"
	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/logging"
	"github.com/ipcasj/ethhook/internal/metadata"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/processor"
	"github.com/ipcasj/ethhook/internal/queue"
	"github.com/ipcasj/ethhook/internal/secretbox"
)

func main() {
	configPath := flag.String("config", "", "path to an optional KEY=value configuration file; environment variables override file values")
	metricsAddr := flag.String("metrics-addr", ":9101", "address to serve /metrics and /healthz on")
	batchCapacity := flag.Int("event-batch-capacity", 500, "rows buffered before a forced events flush")
	batchTimeout := flag.Duration("event-batch-timeout", 2*time.Second, "time since the last flush after which the next appended event row forces a flush")
	flag.Parse()

	overlay, err := config.LoadOverlay(*configPath)
	if err != nil {
		slog.Error("processor: load config file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadProcessorConfig(overlay)
	if err != nil {
		slog.Error("processor: load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	secretKey := os.Getenv("ETHHOOK_SECRET_KEY")
	box, err := secretbox.NewBox(secretKey)
	if err != nil {
		logger.Error("processor: init secretbox", "error", err)
		os.Exit(1)
	}

	metadataStore, err := metadata.Open(cfg.MetadataDSN, box)
	if err != nil {
		logger.Error("processor: open metadata store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = metadataStore.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyticsStore, err := analytics.Open(ctx, cfg.ClickHouseDSN, cfg.WorkerCount)
	if err != nil {
		logger.Error("processor: open analytics store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = analyticsStore.Close() }()

	eventWriter := batchwriter.New[analytics.EventRow]("events", *batchCapacity, *batchTimeout,
		analyticsStore.NewEventInserter(), metrics.ObserveBatchFlush)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("processor: parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)
	defer func() { _ = redisClient.Close() }()
	q := queue.New(redisClient)

	poolCfg := processor.Config{
		ChainIDs:        cfg.ChainIDs,
		WorkerCount:     cfg.WorkerCount,
		NumShards:       cfg.NumShards,
		ConsumerGroup:   cfg.ConsumerGroup,
		MaxWait:         cfg.MaxWaitMs,
		RefreshInterval: cfg.RefreshInterval,
	}
	pool := processor.New(poolCfg, q, metadataStore, eventWriter, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- pool.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:         *metricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("processor: serving metrics", "addr", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("processor: metrics server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("processor: shutting down")
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("processor: pool exited early", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eventWriter.Close(shutdownCtx); err != nil {
		logger.Error("processor: final events flush", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("processor: metrics server shutdown", "error", err)
	}

	logger.Info("processor: exited")
}
