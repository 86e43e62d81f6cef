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

// Package analytics holds the ClickHouse-backed row inserters that back
// internal/batchwriter's two table instantiations: events and deliveries.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// EventRow is one events-table row: the analytical event record, keyed
// per spec.md 4.6 by (chain_id, block_number, log_index) plus endpoint_id
// so downstream analytics can join by endpoint without a secondary table.
type EventRow struct {
	EventID         string
	EndpointID      string
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       string
	TransactionHash string
	LogIndex        uint32
	ContractAddress string
	IngestedAt      time.Time
}

// DeliveryRow is one deliveries-table row: a terminal or retry-scheduling
// delivery attempt record.
type DeliveryRow struct {
	DeliveryID    string
	EventID       string
	EndpointID    string
	AttemptNumber int
	HTTPStatus    int
	ErrorKind     string
	LatencyMs     int64
	DeliveredAt   time.Time
	NextRetryAt   *time.Time
}

// Store owns a ClickHouse connection pool and the idempotent schema for
// both analytical tables.
type Store struct {
	conn *sql.DB
}

// Open connects to ClickHouse and ensures both tables exist.
func Open(ctx context.Context, dsn string, poolSize int) (*Store, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse dsn: %w", err)
	}
	if poolSize > 0 {
		opts.MaxOpenConns = poolSize
		opts.MaxIdleConns = poolSize
	}
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn := clickhouse.OpenDB(opts)
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}

	store := &Store{conn: conn}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id String,
			endpoint_id String,
			chain_id UInt64,
			block_number UInt64,
			block_hash String,
			transaction_hash String,
			log_index UInt32,
			contract_address String,
			ingested_at DateTime
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(ingested_at)
		ORDER BY (chain_id, block_number, log_index)
		TTL ingested_at + INTERVAL 90 DAY`,

		`CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id String,
			event_id String,
			endpoint_id String,
			attempt_number UInt32,
			http_status UInt16,
			error_kind String,
			latency_ms Int64,
			delivered_at DateTime,
			next_retry_at Nullable(DateTime)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(delivered_at)
		ORDER BY (endpoint_id, delivered_at)
		TTL delivered_at + INTERVAL 90 DAY`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("analytics: ensure schema: %w", err)
		}
	}
	return nil
}

// EventInserter adapts Store to batchwriter.Inserter[EventRow].
type EventInserter struct {
	store *Store
}

// NewEventInserter returns an Inserter for the events table.
func (s *Store) NewEventInserter() *EventInserter {
	return &EventInserter{store: s}
}

// InsertBatch issues one multi-row insert against the events table.
func (i *EventInserter) InsertBatch(ctx context.Context, rows []EventRow) error {
	tx, err := i.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin events tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
		event_id, endpoint_id, chain_id, block_number, block_hash,
		transaction_hash, log_index, contract_address, ingested_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("analytics: prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.EventID, row.EndpointID, row.ChainID, row.BlockNumber, row.BlockHash,
			row.TransactionHash, row.LogIndex, row.ContractAddress, row.IngestedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("analytics: exec events insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit events tx: %w", err)
	}
	return nil
}

// DeliveryInserter adapts Store to batchwriter.Inserter[DeliveryRow].
type DeliveryInserter struct {
	store *Store
}

// NewDeliveryInserter returns an Inserter for the deliveries table.
func (s *Store) NewDeliveryInserter() *DeliveryInserter {
	return &DeliveryInserter{store: s}
}

// InsertBatch issues one multi-row insert against the deliveries table.
func (i *DeliveryInserter) InsertBatch(ctx context.Context, rows []DeliveryRow) error {
	tx, err := i.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin deliveries tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO deliveries (
		delivery_id, event_id, endpoint_id, attempt_number, http_status,
		error_kind, latency_ms, delivered_at, next_retry_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("analytics: prepare deliveries insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.DeliveryID, row.EventID, row.EndpointID, row.AttemptNumber, row.HTTPStatus,
			row.ErrorKind, row.LatencyMs, row.DeliveredAt, row.NextRetryAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("analytics: exec deliveries insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit deliveries tx: %w", err)
	}
	return nil
}
