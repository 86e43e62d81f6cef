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

// Package metadata is a read-only client over the relational metadata
// store (users/applications/endpoints). The pipeline never writes to it;
// CRUD lives in the out-of-scope admin API.
package metadata

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ipcasj/ethhook/internal/endpoint"
	"github.com/ipcasj/ethhook/internal/secretbox"
)

// Store wraps a read-only connection to the metadata database.
type Store struct {
	conn *sql.DB
	box  *secretbox.Box
}

// Open connects to the sqlite-backed metadata database at dsn and
// decrypts hmac_secret values at read time with box.
func Open(dsn string, box *secretbox.Box) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("metadata: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("metadata: ping: %w", err)
	}
	return &Store{conn: conn, box: box}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// ListActiveEndpoints loads every active endpoint subscribed to any chain
// in chainIDs, decrypting each hmac_secret, for use by the processor's
// endpoint-index refresh.
func (s *Store) ListActiveEndpoints(ctx context.Context, chainIDs []uint64) ([]endpoint.Endpoint, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT endpoint_id, application_id, webhook_url, hmac_secret,
		       rate_limit_per_sec, max_retries, timeout_ms
		FROM endpoints
		WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("metadata: list active endpoints: %w", err)
	}
	defer rows.Close()

	wanted := make(map[uint64]struct{}, len(chainIDs))
	for _, id := range chainIDs {
		wanted[id] = struct{}{}
	}

	var endpoints []endpoint.Endpoint
	for rows.Next() {
		var ep endpoint.Endpoint
		var encryptedSecret string
		if err := rows.Scan(&ep.EndpointID, &ep.ApplicationID, &ep.WebhookURL, &encryptedSecret,
			&ep.RateLimitPerSec, &ep.MaxRetries, &ep.TimeoutMs); err != nil {
			return nil, fmt.Errorf("metadata: scan endpoint: %w", err)
		}
		ep.IsActive = true

		secret, err := s.box.Open(encryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("metadata: decrypt secret for %s: %w", ep.EndpointID, err)
		}
		ep.HMACSecret = secret

		chainIDs, err := s.loadEndpointChainIDs(ctx, ep.EndpointID)
		if err != nil {
			return nil, err
		}
		ep.ChainIDs = chainIDs

		if !endpointWantsAnyChain(ep.ChainIDs, wanted) {
			continue
		}

		addresses, err := s.loadContractAddresses(ctx, ep.EndpointID)
		if err != nil {
			return nil, err
		}
		ep.ContractAddresses = addresses

		topics, err := s.loadTopicFilters(ctx, ep.EndpointID)
		if err != nil {
			return nil, err
		}
		ep.TopicFilters = topics

		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: iterate endpoints: %w", err)
	}
	return endpoints, nil
}

func endpointWantsAnyChain(epChains map[uint64]struct{}, wanted map[uint64]struct{}) bool {
	for chainID := range epChains {
		if _, ok := wanted[chainID]; ok {
			return true
		}
	}
	return false
}

func (s *Store) loadEndpointChainIDs(ctx context.Context, endpointID string) (map[uint64]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT chain_id FROM endpoint_chain_ids WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("metadata: load chain ids for %s: %w", endpointID, err)
	}
	defer rows.Close()

	out := make(map[uint64]struct{})
	for rows.Next() {
		var chainID uint64
		if err := rows.Scan(&chainID); err != nil {
			return nil, fmt.Errorf("metadata: scan chain id for %s: %w", endpointID, err)
		}
		out[chainID] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) loadContractAddresses(ctx context.Context, endpointID string) (map[string]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT contract_address FROM endpoint_contract_addresses WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("metadata: load contract addresses for %s: %w", endpointID, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("metadata: scan contract address for %s: %w", endpointID, err)
		}
		out[addr] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) loadTopicFilters(ctx context.Context, endpointID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT topic FROM endpoint_topic_filters WHERE endpoint_id = ? ORDER BY position`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("metadata: load topic filters for %s: %w", endpointID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("metadata: scan topic filter for %s: %w", endpointID, err)
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}
