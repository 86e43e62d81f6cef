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

// Package processor matches normalized events against the subscriber
// endpoint index and fans each match out to the deliveries stream and the
// analytical events table.
package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ipcasj/ethhook/internal/analytics"
	"github.com/ipcasj/ethhook/internal/batchwriter"
	"github.com/ipcasj/ethhook/internal/delivery"
	"github.com/ipcasj/ethhook/internal/endpoint"
	"github.com/ipcasj/ethhook/internal/ethevent"
	"github.com/ipcasj/ethhook/internal/metadata"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/queue"
)

// Config controls one Pool's consumption and fan-out behavior.
type Config struct {
	ChainIDs        []uint64
	WorkerCount     int
	NumShards       int
	ConsumerGroup   string
	MaxWait         time.Duration
	RefreshInterval time.Duration
}

// Pool matches and fans out events for a set of chains, holding one shared,
// atomically-swapped endpoint.Index refreshed on RefreshInterval.
type Pool struct {
	cfg         Config
	queue       *queue.Queue
	metadata    *metadata.Store
	eventWriter *batchwriter.Writer[analytics.EventRow]
	logger      *slog.Logger

	index atomic.Pointer[endpoint.Index]
	idGen func() string
}

// New constructs a Pool. eventWriter receives one EventRow per matched
// (event, endpoint) pair.
func New(cfg Config, q *queue.Queue, metadataStore *metadata.Store, eventWriter *batchwriter.Writer[analytics.EventRow], logger *slog.Logger) *Pool {
	return &Pool{
		cfg:         cfg,
		queue:       q,
		metadata:    metadataStore,
		eventWriter: eventWriter,
		logger:      logger,
		idGen:       uuid.NewString,
	}
}

// Run loads the initial endpoint index, ensures every chain's consumer
// group exists, then runs WorkerCount consumers per chain plus a
// background index refresher until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.refreshIndex(ctx); err != nil {
		return err
	}

	for _, chainID := range p.cfg.ChainIDs {
		if err := p.queue.EnsureGroup(ctx, queue.EventsStreamKey(chainID), p.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("processor: ensure group for chain %d: %w", chainID, err)
		}
	}

	var wg sync.WaitGroup
	errOnce := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case errOnce <- err:
		default:
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.refreshLoop(ctx)
	}()

	workerCount := p.cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	for _, chainID := range p.cfg.ChainIDs {
		for w := 0; w < workerCount; w++ {
			consumer := fmt.Sprintf("processor-%d-%d", chainID, w)
			wg.Add(1)
			go func(chainID uint64, consumer string) {
				defer wg.Done()
				if err := p.consumeChain(ctx, chainID, consumer); err != nil && ctx.Err() == nil {
					reportErr(err)
				}
			}(chainID, consumer)
		}
	}

	wg.Wait()

	select {
	case err := <-errOnce:
		return err
	default:
		return ctx.Err()
	}
}

func (p *Pool) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refreshIndex(ctx); err != nil {
				p.logger.Error("processor: refresh endpoint index", "error", err)
			}
		}
	}
}

func (p *Pool) refreshIndex(ctx context.Context) error {
	endpoints, err := p.metadata.ListActiveEndpoints(ctx, p.cfg.ChainIDs)
	if err != nil {
		return fmt.Errorf("processor: list active endpoints: %w", err)
	}
	p.index.Store(endpoint.BuildIndex(endpoints))
	return nil
}

func (p *Pool) consumeChain(ctx context.Context, chainID uint64, consumer string) error {
	stream := queue.EventsStreamKey(chainID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		records, err := p.queue.ReadBlocking(ctx, stream, p.cfg.ConsumerGroup, consumer, "event", 16, p.cfg.MaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("processor: read events stream", "chain_id", chainID, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, rec := range records {
			p.handleRecord(ctx, stream, rec)
		}
	}
}

// handleRecord matches one event against the current endpoint index and
// fans it out. The record is acknowledged only after every matched
// endpoint has been durably fanned out (delivery job appended and
// analytical row appended); a partial failure leaves it unacknowledged so
// the consumer group redelivers it.
func (p *Pool) handleRecord(ctx context.Context, stream string, rec queue.Record) {
	ev, err := ethevent.Unmarshal(rec.Payload)
	if err != nil {
		p.logger.Error("processor: unmarshal event, dropping unparsable record", "error", err)
		_ = p.queue.Acknowledge(ctx, stream, p.cfg.ConsumerGroup, rec.ID)
		return
	}

	idx := p.index.Load()
	matches := idx.MatchingEndpoints(ev)
	if len(matches) == 0 {
		_ = p.queue.Acknowledge(ctx, stream, p.cfg.ConsumerGroup, rec.ID)
		return
	}
	metrics.IncEventsMatched()

	for _, ep := range matches {
		if err := p.fanOut(ctx, ev, ep); err != nil {
			p.logger.Error("processor: fan out delivery", "endpoint_id", ep.EndpointID, "event_id", ev.ID, "error", err)
			return
		}
	}

	if err := p.queue.Acknowledge(ctx, stream, p.cfg.ConsumerGroup, rec.ID); err != nil {
		p.logger.Error("processor: acknowledge event record", "error", err)
	}
}

func (p *Pool) fanOut(ctx context.Context, ev ethevent.Event, ep endpoint.Endpoint) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	job := delivery.Job{
		DeliveryID:  p.idGen(),
		EventID:     ev.ID,
		EndpointID:  ep.EndpointID,
		WebhookURL:  ep.WebhookURL,
		HMACSecret:  ep.HMACSecret,
		Payload:     payload,
		Attempt:     0,
		ScheduledAt: time.Now(),
		MaxRetries:  ep.MaxRetries,
		TimeoutMs:   ep.TimeoutMs,
	}

	jobBytes, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}

	shard := shardFor(ep.EndpointID, p.cfg.NumShards)
	deliveryStream := queue.DeliveriesStreamKey(shard)
	if _, err := p.queue.Append(ctx, deliveryStream, "delivery", jobBytes); err != nil {
		return fmt.Errorf("append delivery job: %w", err)
	}
	metrics.IncDeliveriesFannedOut()

	row := analytics.EventRow{
		EventID:         ev.ID,
		EndpointID:      ep.EndpointID,
		ChainID:         ev.ChainID,
		BlockNumber:     ev.BlockNumber,
		BlockHash:       ev.BlockHash,
		TransactionHash: ev.TransactionHash,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		IngestedAt:      time.UnixMilli(ev.IngestedAtMs),
	}
	if err := p.eventWriter.Append(ctx, row); err != nil {
		return fmt.Errorf("append analytical event row: %w", err)
	}
	return nil
}

// shardFor deterministically maps an endpoint to one of numShards delivery
// streams so every attempt for a given endpoint lands on the same shard.
func shardFor(endpointID string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpointID))
	return int(h.Sum32() % uint32(numShards))
}
