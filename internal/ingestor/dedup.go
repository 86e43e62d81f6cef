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

package ingestor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper tracks event identities already seen within a sliding window,
// using a Redis SET NX PX so the check and the reservation happen in one
// round trip.
type Deduper struct {
	client *redis.Client
}

// NewDeduper wraps an existing Redis client.
func NewDeduper(client *redis.Client) *Deduper {
	return &Deduper{client: client}
}

// CheckAndSet reports whether key has already been seen within window. A
// Redis error is returned rather than swallowed: the caller must treat it
// as a dedup-outage and drop the event rather than risk forwarding an
// undetected duplicate.
func (d *Deduper) CheckAndSet(ctx context.Context, key string, window time.Duration) (duplicate bool, err error) {
	reserved, err := d.client.SetNX(ctx, dedupKey(key), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("ingestor: dedup check: %w", err)
	}
	return !reserved, nil
}

func dedupKey(key string) string {
	return "dedup:" + key
}
