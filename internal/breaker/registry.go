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

package breaker

import "sync"

// Registry lazily creates and shares one Breaker per endpoint_id across
// every delivery worker.
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	byKey map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers all use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, byKey: make(map[string]*Breaker)}
}

// Get returns the Breaker for endpointID, creating it on first use.
func (r *Registry) Get(endpointID string) *Breaker {
	r.mu.RLock()
	b, ok := r.byKey[endpointID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byKey[endpointID]; ok {
		return b
	}
	b = New(r.cfg)
	r.byKey[endpointID] = b
	return b
}
