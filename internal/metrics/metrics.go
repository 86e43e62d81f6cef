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

package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	eventsReceived    *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	ingestErrors      *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	eventsMatched     prometheus.Counter
	deliveriesFanned  prometheus.Counter
	deliveryAttempts  *prometheus.CounterVec
	breakerTrips      *prometheus.CounterVec
	deliveryLatency   prometheus.Histogram
	batchRowsInserted *prometheus.CounterVec
	batchFlushes      *prometheus.CounterVec
	batchLatency      *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the metrics registry in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEventsReceived records one log observed from the upstream subscription.
func IncEventsReceived(chainID uint64) {
	mu.RLock()
	defer mu.RUnlock()
	eventsReceived.WithLabelValues(chainLabel(chainID)).Inc()
}

// IncEventsPublished records one event appended to the events stream.
func IncEventsPublished(chainID uint64) {
	mu.RLock()
	defer mu.RUnlock()
	eventsPublished.WithLabelValues(chainLabel(chainID)).Inc()
}

// IncIngestError records a dropped/malformed log or a dedup-store failure.
func IncIngestError(chainID uint64, kind string) {
	mu.RLock()
	defer mu.RUnlock()
	ingestErrors.WithLabelValues(chainLabel(chainID), kind).Inc()
}

// IncReconnect records an upstream subscription reconnect attempt.
func IncReconnect(chainID uint64) {
	mu.RLock()
	defer mu.RUnlock()
	reconnects.WithLabelValues(chainLabel(chainID)).Inc()
}

// IncEventsMatched records one event matched against at least one endpoint.
func IncEventsMatched() {
	mu.RLock()
	defer mu.RUnlock()
	eventsMatched.Inc()
}

// IncDeliveriesFannedOut records one delivery job appended by the processor.
func IncDeliveriesFannedOut() {
	mu.RLock()
	defer mu.RUnlock()
	deliveriesFanned.Inc()
}

// ObserveDeliveryAttempt records the outcome of one delivery attempt.
func ObserveDeliveryAttempt(outcome string, latency time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	deliveryAttempts.WithLabelValues(outcome).Inc()
	deliveryLatency.Observe(latency.Seconds())
}

// IncBreakerTrip records a breaker transition into the open state.
func IncBreakerTrip(endpointID string) {
	mu.RLock()
	defer mu.RUnlock()
	breakerTrips.WithLabelValues(endpointID).Inc()
}

// ObserveBatchFlush records a completed (or failed) batch-writer flush.
func ObserveBatchFlush(table string, rows int, ok bool, latency time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	status := "ok"
	if !ok {
		status = "error"
	}
	batchFlushes.WithLabelValues(table, status).Inc()
	if ok {
		batchRowsInserted.WithLabelValues(table).Add(float64(rows))
	}
	batchLatency.WithLabelValues(table).Observe(latency.Seconds())
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "ingestor", Name: "events_received_total",
		Help: "Total logs observed from the upstream subscription.",
	}, []string{"chain_id"})

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "ingestor", Name: "events_published_total",
		Help: "Total events appended to the events stream.",
	}, []string{"chain_id"})

	ingestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "ingestor", Name: "errors_total",
		Help: "Total ingest errors by kind.",
	}, []string{"chain_id", "kind"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "ingestor", Name: "reconnects_total",
		Help: "Total upstream subscription reconnect attempts.",
	}, []string{"chain_id"})

	eventsMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "processor", Name: "events_matched_total",
		Help: "Total events matched against at least one endpoint.",
	})

	deliveriesFanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "processor", Name: "deliveries_fanned_out_total",
		Help: "Total delivery jobs appended by the processor.",
	})

	deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "delivery", Name: "attempts_total",
		Help: "Total delivery attempts by outcome.",
	}, []string{"outcome"})

	breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "delivery", Name: "breaker_trips_total",
		Help: "Total breaker transitions into the open state, by endpoint.",
	}, []string{"endpoint_id"})

	deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ethhook", Subsystem: "delivery", Name: "attempt_latency_seconds",
		Help:    "Latency of delivery attempts.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	batchRowsInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "batchwriter", Name: "rows_inserted_total",
		Help: "Total rows inserted into the analytical store, by table.",
	}, []string{"table"})

	batchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethhook", Subsystem: "batchwriter", Name: "batches_flushed_total",
		Help: "Total batch flush attempts, by table and status.",
	}, []string{"table", "status"})

	batchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ethhook", Subsystem: "batchwriter", Name: "flush_latency_seconds",
		Help:    "Latency of batch flush operations, by table.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"table"})

	registry.MustRegister(
		eventsReceived, eventsPublished, ingestErrors, reconnects,
		eventsMatched, deliveriesFanned, deliveryAttempts, breakerTrips, deliveryLatency,
		batchRowsInserted, batchFlushes, batchLatency,
	)

	reg = registry
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
