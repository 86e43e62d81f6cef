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

// Package ingestor subscribes to a chain's upstream log feed, normalizes
// and deduplicates every log, and appends the result to the events stream
// for the processor to pick up. One Worker owns one chain.
package ingestor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ipcasj/ethhook/internal/arena"
	"github.com/ipcasj/ethhook/internal/ethevent"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/queue"
)

// ChainSubscriber abstracts the upstream log feed so the concrete
// JSON-RPC-over-websocket client (internal/ingestor/wsrpc) can be swapped
// for a fake in tests. Subscribe blocks until the subscription is
// established, then streams logs until ctx is cancelled or the connection
// drops, at which point the returned channel is closed.
type ChainSubscriber interface {
	Subscribe(ctx context.Context, chainID uint64) (<-chan ethevent.RawLog, error)
}

// WorkerConfig controls one Worker's reconnect and scratch-memory behavior.
type WorkerConfig struct {
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration
	SustainedConnected time.Duration
	DedupWindow        time.Duration
	ArenaCapacityBytes int
}

// Worker owns a single chain's subscription lifecycle: connect, stream,
// reconnect with backoff on drop, and one publish pipeline (normalize,
// dedup, append) per log observed.
type Worker struct {
	chainID    uint64
	subscriber ChainSubscriber
	queue      *queue.Queue
	dedup      *Deduper
	logger     *slog.Logger
	cfg        WorkerConfig

	idGen func() string
	nowMs func() int64
}

// NewWorker constructs a Worker for chainID. idGen and nowMs default to
// uuid.NewString and the wall clock in milliseconds; tests may override
// them through NewWorkerWithClock for determinism.
func NewWorker(chainID uint64, subscriber ChainSubscriber, q *queue.Queue, dedup *Deduper, logger *slog.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		chainID:    chainID,
		subscriber: subscriber,
		queue:      q,
		dedup:      dedup,
		logger:     logger,
		cfg:        cfg,
		idGen:      uuid.NewString,
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NewWorkerWithClock is NewWorker with injectable id generation and clock,
// for deterministic tests.
func NewWorkerWithClock(chainID uint64, subscriber ChainSubscriber, q *queue.Queue, dedup *Deduper, logger *slog.Logger, cfg WorkerConfig, idGen func() string, nowMs func() int64) *Worker {
	w := NewWorker(chainID, subscriber, q, dedup, logger, cfg)
	w.idGen = idGen
	w.nowMs = nowMs
	return w
}

// Run subscribes to the chain and processes logs until ctx is cancelled.
// On a dropped connection it reconnects with exponential backoff, doubling
// the delay each attempt up to MaxReconnectDelay, and resets the delay back
// to ReconnectDelay once a connection has stayed up for SustainedConnected.
func (w *Worker) Run(ctx context.Context) error {
	delay := w.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connectedAt := time.Now()
		logs, err := w.subscriber.Subscribe(ctx, w.chainID)
		if err != nil {
			metrics.IncIngestError(w.chainID, "connect")
			w.logger.Warn("ingestor: subscribe failed", "chain_id", w.chainID, "error", err, "retry_in", delay)
			if !sleepBackoff(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay, w.cfg.MaxReconnectDelay)
			continue
		}

		arn := arena.New(w.cfg.ArenaCapacityBytes)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.consume(ctx, logs, arn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.IncReconnect(w.chainID)
		if time.Since(connectedAt) >= w.cfg.SustainedConnected {
			delay = w.cfg.ReconnectDelay
		}
		if !sleepBackoff(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, w.cfg.MaxReconnectDelay)
	}
}

// consume drains logs until the channel closes (connection dropped) or ctx
// is cancelled. The arena is reset once per log so no allocation from one
// event's handling can bleed into the next.
func (w *Worker) consume(ctx context.Context, logs <-chan ethevent.RawLog, arn *arena.Arena) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-logs:
			if !ok {
				return
			}
			arn.Reset()
			w.handleRawLog(ctx, raw, arn)
		}
	}
}

func (w *Worker) handleRawLog(ctx context.Context, raw ethevent.RawLog, arn *arena.Arena) {
	metrics.IncEventsReceived(w.chainID)

	ev, err := ethevent.Normalize(raw, w.idGen(), w.nowMs())
	if err != nil {
		metrics.IncIngestError(w.chainID, "malformed")
		w.logger.Warn("ingestor: dropping malformed log", "chain_id", w.chainID, "error", err)
		return
	}

	identityKey := ev.Identity().Key()
	keyBuf, ok := arn.DuplicateBytes([]byte(identityKey))
	if !ok {
		keyBuf = []byte(identityKey)
	}

	duplicate, err := w.dedup.CheckAndSet(ctx, string(keyBuf), w.cfg.DedupWindow)
	if err != nil {
		metrics.IncIngestError(w.chainID, string(ethevent.ErrorKindDedupOutage))
		w.logger.Error("ingestor: dedup store unavailable, dropping log to avoid duplicate delivery",
			"chain_id", w.chainID, "event_id", ev.ID, "error", err)
		return
	}
	if duplicate {
		metrics.IncIngestError(w.chainID, string(ethevent.ErrorKindDuplicate))
		return
	}

	payload, err := ev.Marshal()
	if err != nil {
		metrics.IncIngestError(w.chainID, "marshal")
		w.logger.Error("ingestor: marshal event", "chain_id", w.chainID, "event_id", ev.ID, "error", err)
		return
	}
	if buf, ok := arn.DuplicateBytes(payload); ok {
		payload = buf
	}

	stream := queue.EventsStreamKey(w.chainID)
	if _, err := w.queue.Append(ctx, stream, "event", payload); err != nil {
		metrics.IncIngestError(w.chainID, "publish")
		w.logger.Error("ingestor: append to events stream", "chain_id", w.chainID, "event_id", ev.ID, "error", err)
		return
	}

	metrics.IncEventsPublished(w.chainID)
}

// sleepBackoff waits for d or ctx cancellation, reporting which occurred
// first.
func sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextDelay doubles d, capped at max.
func nextDelay(d, max time.Duration) time.Duration {
	next := d * 2
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}
