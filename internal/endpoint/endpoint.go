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

// Package endpoint holds the subscriber endpoint record and the topic/address
// matching algorithm the processor runs against every event.
package endpoint

import "github.com/ipcasj/ethhook/internal/ethevent"

// AnyTopic is the wildcard topic-filter slot: matches any value at that
// position.
const AnyTopic = "any"

// Endpoint is a subscriber's webhook registration, as cached by the
// processor from the metadata store.
type Endpoint struct {
	EndpointID        string
	ApplicationID     string
	IsActive          bool
	ChainIDs          map[uint64]struct{}
	ContractAddresses map[string]struct{}
	TopicFilters      []string
	WebhookURL        string
	HMACSecret        string
	RateLimitPerSec   int
	MaxRetries        int
	TimeoutMs         int
}

// AnyAddress reports whether this endpoint subscribes to all contract
// addresses on its chains rather than a specific allow-list.
func (e Endpoint) AnyAddress() bool {
	return len(e.ContractAddresses) == 0
}

// Matches reports whether event e's topics satisfy this endpoint's
// positional topic filters. Callers must have already confirmed chain and
// address eligibility via the Index before calling Matches.
func (e Endpoint) Matches(ev ethevent.Event) bool {
	if !e.IsActive {
		return false
	}
	if len(e.TopicFilters) > len(ev.Topics) {
		return false
	}
	for i, filter := range e.TopicFilters {
		if filter == AnyTopic {
			continue
		}
		if filter != ev.Topics[i] {
			return false
		}
	}
	return true
}

// Index is a read-only snapshot of active endpoints, keyed for O(1)
// candidate lookup by the processor's matching algorithm. It is rebuilt
// wholesale on refresh and swapped via atomic.Pointer; it is never mutated
// in place once published.
type Index struct {
	byChainAndAddress map[indexKey][]Endpoint
	addressAgnostic   map[uint64][]Endpoint
}

type indexKey struct {
	chainID uint64
	address string
}

// BuildIndex constructs an Index from a flat list of active endpoints.
func BuildIndex(endpoints []Endpoint) *Index {
	idx := &Index{
		byChainAndAddress: make(map[indexKey][]Endpoint),
		addressAgnostic:   make(map[uint64][]Endpoint),
	}
	for _, ep := range endpoints {
		if !ep.IsActive {
			continue
		}
		for chainID := range ep.ChainIDs {
			if ep.AnyAddress() {
				idx.addressAgnostic[chainID] = append(idx.addressAgnostic[chainID], ep)
				continue
			}
			for addr := range ep.ContractAddresses {
				key := indexKey{chainID: chainID, address: addr}
				idx.byChainAndAddress[key] = append(idx.byChainAndAddress[key], ep)
			}
		}
	}
	return idx
}

// Candidates returns every endpoint indexed under the event's
// (chain_id, contract_address) plus every address-agnostic endpoint for
// that chain, per spec.md 4.6's candidate-set rule.
func (idx *Index) Candidates(ev ethevent.Event) []Endpoint {
	if idx == nil {
		return nil
	}
	key := indexKey{chainID: ev.ChainID, address: ev.ContractAddress}
	specific := idx.byChainAndAddress[key]
	agnostic := idx.addressAgnostic[ev.ChainID]

	out := make([]Endpoint, 0, len(specific)+len(agnostic))
	out = append(out, specific...)
	out = append(out, agnostic...)
	return out
}

// MatchingEndpoints returns every active candidate endpoint whose topic
// filters match the event, per spec.md 4.6's matching algorithm.
func (idx *Index) MatchingEndpoints(ev ethevent.Event) []Endpoint {
	var out []Endpoint
	for _, ep := range idx.Candidates(ev) {
		if ep.Matches(ev) {
			out = append(out, ep)
		}
	}
	return out
}
