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

// Package ethevent holds the chain event type shared by every stage of the
// pipeline and its canonical, order-stable JSON codec.
package ethevent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind enumerates the ingest/delivery error categories counted in
// metrics and recorded in attempt rows.
type ErrorKind string

const (
	ErrorKindMalformed    ErrorKind = "malformed"
	ErrorKindDuplicate    ErrorKind = "duplicate"
	ErrorKindDedupOutage  ErrorKind = "dedup_outage"
	ErrorKindCircuitOpen  ErrorKind = "circuit_open"
	ErrorKindRedirectLoop ErrorKind = "redirect_loop"
	ErrorKindTransient    ErrorKind = "subscriber_transient"
	ErrorKindPermanent    ErrorKind = "subscriber_permanent"
	ErrorKindExhausted    ErrorKind = "exhausted"
)

// RawLog is what the ingestor receives from the upstream subscription,
// before validation and normalization.
type RawLog struct {
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       string
	TransactionHash string
	LogIndex        uint32
	ContractAddress string
	Topics          []string
	Data            string
}

// Event is a normalized chain event: lowercased hex, validated identity
// tuple, stamped with a synthetic id and ingest timestamp.
type Event struct {
	ID              string   `json:"id"`
	ChainID         uint64   `json:"chain_id"`
	BlockNumber     uint64   `json:"block_number"`
	BlockHash       string   `json:"block_hash"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint32   `json:"log_index"`
	ContractAddress string   `json:"contract_address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	IngestedAtMs    int64    `json:"timestamp"`
}

// Identity is the deduplication key: (chain_id, block_hash, transaction_hash, log_index).
type Identity struct {
	ChainID         uint64
	BlockHash       string
	TransactionHash string
	LogIndex        uint32
}

// Key renders the identity as a single string suitable for a dedup-store key.
func (id Identity) Key() string {
	return fmt.Sprintf("%d:%s:%s:%d", id.ChainID, id.BlockHash, id.TransactionHash, id.LogIndex)
}

// Identity returns the event's deduplication key.
func (e Event) Identity() Identity {
	return Identity{
		ChainID:         e.ChainID,
		BlockHash:       e.BlockHash,
		TransactionHash: e.TransactionHash,
		LogIndex:        e.LogIndex,
	}
}

// Normalize validates a raw log's identity-tuple fields and returns a
// normalized Event with lowercased hex fields. id and ingestedAtMs are
// supplied by the caller so this function stays free of clock/uuid
// side effects and is trivially testable.
func Normalize(raw RawLog, id string, ingestedAtMs int64) (Event, error) {
	if raw.ChainID == 0 {
		return Event{}, fmt.Errorf("ethevent: chain_id must not be zero")
	}
	if strings.TrimSpace(raw.BlockHash) == "" {
		return Event{}, fmt.Errorf("ethevent: block_hash must not be empty")
	}
	if strings.TrimSpace(raw.TransactionHash) == "" {
		return Event{}, fmt.Errorf("ethevent: transaction_hash must not be empty")
	}

	topics := make([]string, len(raw.Topics))
	for i, topic := range raw.Topics {
		topics[i] = canonicalHex(topic)
	}

	return Event{
		ID:              id,
		ChainID:         raw.ChainID,
		BlockNumber:     raw.BlockNumber,
		BlockHash:       canonicalHex(raw.BlockHash),
		TransactionHash: canonicalHex(raw.TransactionHash),
		LogIndex:        raw.LogIndex,
		ContractAddress: canonicalHex(raw.ContractAddress),
		Topics:          topics,
		Data:            canonicalHex(raw.Data),
		IngestedAtMs:    ingestedAtMs,
	}, nil
}

// canonicalHex lowercases a hex string and ensures it carries a 0x prefix.
func canonicalHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// Marshal renders the event as canonical JSON: fields in the fixed order
// declared on Event, via struct-tag order (encoding/json preserves
// declaration order for struct values), so parse(serialize(e)) == e holds.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses canonical event JSON.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("ethevent: unmarshal: %w", err)
	}
	return e, nil
}
