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

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ipcasj/ethhook/internal/breaker"
	"github.com/ipcasj/ethhook/internal/correlation"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/queue"
)

// maxRedirects bounds how many redirects a single delivery attempt will
// follow before it is classified a redirect loop.
const maxRedirects = 3

// PoolConfig controls a delivery Pool's shard and concurrency layout.
type PoolConfig struct {
	NumShards     int
	WorkerCount   int
	ConsumerGroup string
	MaxWait       time.Duration
}

// Pool runs WorkerCount goroutines against each of NumShards delivery
// streams, sharing one breaker.Registry, one *http.Client, and one
// AttemptRecord batch writer across all of them.
type Pool struct {
	cfg           PoolConfig
	queue         *queue.Queue
	breakers      *breaker.Registry
	httpClient    *http.Client
	attemptWriter AttemptWriter
	retryPolicy   RetryPolicy
	logger        *slog.Logger
}

// AttemptWriter is the subset of batchwriter.Writer[AttemptRecord] the
// delivery worker needs, kept as an interface so tests can substitute a
// recording stub without a real analytical store.
type AttemptWriter interface {
	Append(ctx context.Context, row AttemptRecord) error
}

// NewPool constructs a delivery Pool.
func NewPool(cfg PoolConfig, q *queue.Queue, breakers *breaker.Registry, httpClient *http.Client, attemptWriter AttemptWriter, retryPolicy RetryPolicy, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:           cfg,
		queue:         q,
		breakers:      breakers,
		httpClient:    httpClient,
		attemptWriter: attemptWriter,
		retryPolicy:   retryPolicy,
		logger:        logger,
	}
}

// Run ensures every shard's consumer group exists and runs the full worker
// pool until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	workerCount := p.cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	for shard := 0; shard < p.cfg.NumShards; shard++ {
		stream := queue.DeliveriesStreamKey(shard)
		if err := p.queue.EnsureGroup(ctx, stream, p.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("delivery: ensure group for shard %d: %w", shard, err)
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

	for shard := 0; shard < p.cfg.NumShards; shard++ {
		for i := 0; i < workerCount; i++ {
			w := newWorker(shard, fmt.Sprintf("delivery-%d-%d", shard, i), p)
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				if err := w.run(ctx); err != nil && ctx.Err() == nil {
					reportErr(err)
				}
			}(w)
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

// worker consumes one shard's delivery stream under one consumer name. Its
// rand.Rand is private to its own goroutine, so jitter computation needs no
// locking.
type worker struct {
	shard    int
	consumer string
	pool     *Pool
	rnd      *rand.Rand
}

func newWorker(shard int, consumer string, pool *Pool) *worker {
	return &worker{
		shard:    shard,
		consumer: consumer,
		pool:     pool,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(shard)<<32 ^ int64(len(consumer)))),
	}
}

func (w *worker) run(ctx context.Context) error {
	stream := queue.DeliveriesStreamKey(w.shard)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		records, err := w.pool.queue.ReadBlocking(ctx, stream, w.pool.cfg.ConsumerGroup, w.consumer, "delivery", 16, w.pool.cfg.MaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.pool.logger.Error("delivery: read deliveries stream", "shard", w.shard, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, rec := range records {
			w.handleRecord(ctx, stream, rec)
		}
	}
}

func (w *worker) handleRecord(ctx context.Context, stream string, rec queue.Record) {
	job, err := UnmarshalJob(rec.Payload)
	if err != nil {
		w.pool.logger.Error("delivery: unmarshal job, dropping unparsable record", "error", err)
		_ = w.pool.queue.Acknowledge(ctx, stream, w.pool.cfg.ConsumerGroup, rec.ID)
		return
	}
	ctx = correlation.WithID(ctx, job.DeliveryID)

	// Not yet due: put the record back at the tail of the stream and move
	// on, so one future-scheduled retry never stalls ready jobs behind it
	// in the same batch. This does not count as an attempt.
	if time.Until(job.ScheduledAt) > 0 {
		if _, err := w.pool.queue.RequeueWithDelay(ctx, stream, "delivery", rec.Payload); err != nil {
			// Leave the record unacknowledged so the consumer group
			// redelivers it.
			w.pool.logger.Error("delivery: requeue unready job", "correlation_id", correlation.GetID(ctx), "error", err)
			return
		}
		if err := w.pool.queue.Acknowledge(ctx, stream, w.pool.cfg.ConsumerGroup, rec.ID); err != nil {
			w.pool.logger.Error("delivery: acknowledge unready job record", "correlation_id", correlation.GetID(ctx), "error", err)
		}
		return
	}

	br := w.pool.breakers.Get(job.EndpointID)
	if !br.MayProceed() {
		attemptNumber := job.Attempt + 1
		w.recordAndReschedule(ctx, stream, rec, job, OutcomeTransient, 0, 0, attemptNumber, true)
		metrics.ObserveDeliveryAttempt("circuit_open", 0)
		return
	}

	start := time.Now()
	status, redirectExceeded, attemptErr := w.attempt(ctx, job)
	latency := time.Since(start)

	var outcome Outcome
	if attemptErr != nil {
		outcome = OutcomeTransient
	} else {
		outcome = ClassifyStatus(status, redirectExceeded)
	}

	if outcome.AffectsBreaker() {
		if outcome == OutcomeSuccess {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
			if br.State() == breaker.Open {
				metrics.IncBreakerTrip(job.EndpointID)
			}
		}
	}
	metrics.ObserveDeliveryAttempt(outcome.String(), latency)

	attemptNumber := job.Attempt + 1
	w.recordAndReschedule(ctx, stream, rec, job, outcome, status, latency.Milliseconds(), attemptNumber, false)
}

// recordAndReschedule writes the attempt record, requeues a retry if the
// outcome is non-terminal, and acknowledges the original record. circuitOpen
// marks an attempt that never reached the network because the breaker was
// open; it is recorded as circuit_open, rescheduled under the same retry
// budget as a transient failure, and leaves the breaker untouched (for every
// other outcome the caller has already updated the breaker).
func (w *worker) recordAndReschedule(ctx context.Context, stream string, rec queue.Record, job Job, outcome Outcome, httpStatus int, latencyMs int64, attemptNumber int, circuitOpen bool) {
	terminal := outcome.IsTerminal(attemptNumber, job.MaxRetries)

	var nextRetryAt *time.Time
	if !terminal {
		delay := w.pool.retryPolicy.Delay(job.Attempt, w.rnd)
		t := time.Now().Add(delay)
		nextRetryAt = &t
	}

	errKind := outcome.ErrorKind(attemptNumber, job.MaxRetries)
	if circuitOpen {
		errKind = "circuit_open"
	}

	record := AttemptRecord{
		DeliveryID:    job.DeliveryID,
		EventID:       job.EventID,
		EndpointID:    job.EndpointID,
		AttemptNumber: attemptNumber,
		HTTPStatus:    httpStatus,
		ErrorKind:     string(errKind),
		LatencyMs:     latencyMs,
		DeliveredAt:   time.Now(),
		NextRetryAt:   nextRetryAt,
	}
	correlationID := correlation.GetID(ctx)
	if err := w.pool.attemptWriter.Append(ctx, record); err != nil {
		w.pool.logger.Error("delivery: append attempt record", "correlation_id", correlationID, "error", err)
	}

	if !terminal {
		next := job
		next.Attempt = attemptNumber
		next.ScheduledAt = *nextRetryAt
		if nextBytes, err := next.Marshal(); err != nil {
			w.pool.logger.Error("delivery: marshal retry job", "correlation_id", correlationID, "error", err)
		} else if _, err := w.pool.queue.RequeueWithDelay(ctx, stream, "delivery", nextBytes); err != nil {
			w.pool.logger.Error("delivery: requeue job", "correlation_id", correlationID, "error", err)
		}
	}

	if err := w.pool.queue.Acknowledge(ctx, stream, w.pool.cfg.ConsumerGroup, rec.ID); err != nil {
		w.pool.logger.Error("delivery: acknowledge job record", "correlation_id", correlationID, "error", err)
	}
}

// attempt signs and POSTs the job's payload, reporting the response status
// and whether the redirect budget was exceeded while following it. A
// non-nil error means the request never completed (network error, timeout,
// context cancellation).
func (w *worker) attempt(ctx context.Context, job Job) (status int, redirectBudgetExceeded bool, err error) {
	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.WebhookURL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, false, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EthHook-Delivery/1.0")
	req.Header.Set("X-Webhook-Signature", Sign(job.HMACSecret, job.Payload))
	req.Header.Set("X-Webhook-Id", job.DeliveryID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(job.Attempt+1))

	client := *w.pool.httpClient
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			redirectBudgetExceeded = true
			return http.ErrUseLastResponse
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("delivery: do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, redirectBudgetExceeded, nil
}
