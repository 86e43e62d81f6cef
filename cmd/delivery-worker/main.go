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
	"crypto/tls"
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
	"github.com/ipcasj/ethhook/internal/breaker"
	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/delivery"
	"github.com/ipcasj/ethhook/internal/logging"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to an optional KEY=value configuration file; environment variables override file values")
	metricsAddr := flag.String("metrics-addr", ":9102", "address to serve /metrics and /healthz on")
	batchCapacity := flag.Int("attempt-batch-capacity", 500, "rows buffered before a forced attempts flush")
	batchTimeout := flag.Duration("attempt-batch-timeout", 2*time.Second, "time since the last flush after which the next appended attempt row forces a flush")
	flag.Parse()

	overlay, err := config.LoadOverlay(*configPath)
	if err != nil {
		slog.Error("delivery-worker: load config file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadDeliveryConfig(overlay)
	if err != nil {
		slog.Error("delivery-worker: load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyticsStore, err := analytics.Open(ctx, cfg.ClickHouseDSN, cfg.WorkerCount)
	if err != nil {
		logger.Error("delivery-worker: open analytics store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = analyticsStore.Close() }()

	attemptWriter := batchwriter.New[delivery.AttemptRecord]("deliveries", *batchCapacity, *batchTimeout,
		delivery.NewAttemptInserter(analyticsStore), metrics.ObserveBatchFlush)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("delivery-worker: parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)
	defer func() { _ = redisClient.Close() }()
	q := queue.New(redisClient)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerDefault.FailureThreshold,
		OpenTimeout:      cfg.BreakerDefault.OpenTimeout,
		HalfOpenMaxCalls: cfg.BreakerDefault.HalfOpenMaxCalls,
	})

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	poolCfg := delivery.PoolConfig{
		NumShards:     cfg.NumShards,
		WorkerCount:   cfg.WorkerCount,
		ConsumerGroup: cfg.ConsumerGroup,
		MaxWait:       cfg.MaxWaitMs,
	}
	pool := delivery.NewPool(poolCfg, q, breakers, httpClient, attemptWriter, delivery.DefaultRetryPolicy(), logger)

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
		logger.Info("delivery-worker: serving metrics", "addr", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("delivery-worker: metrics server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("delivery-worker: shutting down")
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("delivery-worker: pool exited early", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := attemptWriter.Close(shutdownCtx); err != nil {
		logger.Error("delivery-worker: final attempts flush", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("delivery-worker: metrics server shutdown", "error", err)
	}

	logger.Info("delivery-worker: exited")
}
