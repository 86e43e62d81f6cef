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
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/ingestor"
	"github.com/ipcasj/ethhook/internal/ingestor/wsrpc"
	"github.com/ipcasj/ethhook/internal/logging"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to an optional KEY=value configuration file; environment variables override file values")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics and /healthz on")
	flag.Parse()

	overlay, err := config.LoadOverlay(*configPath)
	if err != nil {
		slog.Error("ingestor: load config file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadIngestorConfig(overlay)
	if err != nil {
		slog.Error("ingestor: load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("ingestor: parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)
	defer func() { _ = redisClient.Close() }()

	q := queue.New(redisClient)
	dedup := ingestor.NewDeduper(redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCfg := ingestor.WorkerConfig{
		ReconnectDelay:     cfg.ReconnectDelay,
		MaxReconnectDelay:  cfg.MaxReconnectDelay,
		SustainedConnected: cfg.SustainedConnected,
		DedupWindow:        cfg.DedupWindow,
		ArenaCapacityBytes: cfg.ArenaCapacityBytes,
	}

	var wg sync.WaitGroup
	for _, chainID := range cfg.ChainIDs {
		url := cfg.UpstreamWSURL[chainID]
		subscriber := wsrpc.New(url, logger)
		worker := ingestor.NewWorker(chainID, subscriber, q, dedup, logger, workerCfg)

		wg.Add(1)
		go func(chainID uint64) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ingestor: worker exited", "chain_id", chainID, "error", err)
			}
		}(chainID)
	}

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
		logger.Info("ingestor: serving metrics", "addr", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ingestor: metrics server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("ingestor: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingestor: metrics server shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("ingestor: exited")
}
