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

// Package batchwriter buffers rows and flushes them to the analytical
// column store either on reaching capacity or on a wall-clock timeout,
// trading latency for per-row insert cost. One Writer[T] instance exists
// per destination table; the row type T determines the table shape.
package batchwriter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Inserter issues one insert statement for a batch of rows of type T
// against the column store. Implementations own the table name and the
// column mapping; batchwriter only owns buffering and flush triggering.
type Inserter[T any] interface {
	InsertBatch(ctx context.Context, rows []T) error
}

// Metrics reports cumulative writer activity, mirroring spec.md 4.3's
// exposed counters: queries_executed counts every insert statement issued
// (successful or not), batches_flushed counts only the ones that succeeded.
type Metrics struct {
	QueriesExecuted   int64
	BatchesFlushed    int64
	RowsInserted      int64
	CumulativeLatency time.Duration
}

// Writer buffers rows of type T and flushes them to an Inserter[T] on
// capacity or timeout. Append is safe for concurrent use; Flush holds the
// writer's mutex for its full critical section.
type Writer[T any] struct {
	table    string
	capacity int
	timeout  time.Duration
	inserter Inserter[T]
	onFlush  func(table string, rows int, ok bool, latency time.Duration)

	mu        sync.Mutex
	buf       []T
	lastFlush time.Time
	metrics   Metrics
}

// New constructs a Writer for the given table that flushes once the buffer
// reaches capacity rows or once timeout has passed since the previous flush.
// Both conditions are checked only inside Append; there is no background
// timer, so buffered rows wait for the next Append, Flush, or Close.
// onFlush, if non-nil, is called after every flush attempt (used to wire
// internal/metrics without this package importing it directly).
func New[T any](table string, capacity int, timeout time.Duration, inserter Inserter[T], onFlush func(table string, rows int, ok bool, latency time.Duration)) *Writer[T] {
	return &Writer[T]{
		table:     table,
		capacity:  capacity,
		timeout:   timeout,
		inserter:  inserter,
		onFlush:   onFlush,
		buf:       make([]T, 0, capacity),
		lastFlush: time.Now(),
	}
}

// Append adds a row to the buffer, then flushes synchronously (this row
// included) if the buffer has reached capacity or the flush timeout has
// elapsed.
func (w *Writer[T]) Append(ctx context.Context, row T) error {
	w.mu.Lock()
	w.buf = append(w.buf, row)
	shouldFlush := len(w.buf) >= w.capacity || time.Since(w.lastFlush) >= w.timeout
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Flush renders the buffered rows and issues one insert statement. If the
// insert fails the buffer is preserved for the next attempt: the caller
// sees no data loss.
func (w *Writer[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		w.lastFlush = time.Now()
		return nil
	}

	start := time.Now()
	err := w.inserter.InsertBatch(ctx, w.buf)
	latency := time.Since(start)

	w.metrics.QueriesExecuted++
	w.metrics.CumulativeLatency += latency

	if err != nil {
		if w.onFlush != nil {
			w.onFlush(w.table, len(w.buf), false, latency)
		}
		return fmt.Errorf("batchwriter: flush %s: %w", w.table, err)
	}

	w.metrics.BatchesFlushed++
	w.metrics.RowsInserted += int64(len(w.buf))
	if w.onFlush != nil {
		w.onFlush(w.table, len(w.buf), true, latency)
	}

	w.buf = w.buf[:0]
	w.lastFlush = time.Now()
	return nil
}

// Statistics returns a snapshot of the writer's cumulative metrics.
func (w *Writer[T]) Statistics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// Close performs a final full flush, per spec.md 4.3's destruction contract.
func (w *Writer[T]) Close(ctx context.Context) error {
	return w.Flush(ctx)
}
