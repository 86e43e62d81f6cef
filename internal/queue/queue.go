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

// Package queue implements the durable-queue contract over Redis Streams:
// append, consumer-group blocking read, acknowledge, and delayed requeue.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one entry read back from a stream: its id plus the field
// payload stored under the field name given at append time.
type Record struct {
	ID      string
	Payload []byte
}

// Queue wraps a Redis client to provide the append / read_blocking /
// acknowledge / requeue-with-delay operations named in spec.md 4.4.
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (construction and Close).
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// EventsStreamKey returns the stream key an ingestor publishes to for a
// given chain, per spec.md 4.4's naming convention.
func EventsStreamKey(chainID uint64) string {
	return fmt.Sprintf("events:%d", chainID)
}

// DeliveriesStreamKey returns the stream key for a given delivery shard.
func DeliveriesStreamKey(shard int) string {
	return fmt.Sprintf("deliveries:%d", shard)
}

// Append assigns a monotonic id to record and returns it. field names the
// hash field the payload is stored under ("event" or "delivery").
func (q *Queue) Append(ctx context.Context, stream, field string, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{field: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the named consumer group at the start of the stream
// if it does not already exist; it is safe to call on every worker startup.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("queue: ensure group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadBlocking returns up to count records with ids greater than the
// consumer group's last-delivered cursor, blocking up to maxWait if none
// are currently available.
func (q *Queue) ReadBlocking(ctx context.Context, stream, group, consumer, field string, count int64, maxWait time.Duration) ([]Record, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    maxWait,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read_blocking %s: %w", stream, err)
	}

	var out []Record
	for _, streamResult := range res {
		for _, msg := range streamResult.Messages {
			raw, ok := msg.Values[field]
			if !ok {
				continue
			}
			payload, ok := raw.(string)
			if !ok {
				continue
			}
			out = append(out, Record{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

// Acknowledge removes the record from the consumer group's pending set.
func (q *Queue) Acknowledge(ctx context.Context, stream, group, id string) error {
	if err := q.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("queue: acknowledge %s on %s: %w", id, stream, err)
	}
	return nil
}

// RequeueWithDelay appends payload as a fresh entry on the same stream.
// The delay itself is carried inside payload as an updated scheduled_at
// field (streams have no native delay primitive); the caller encodes that
// before calling this. The original record must still be separately
// acknowledged by the caller.
func (q *Queue) RequeueWithDelay(ctx context.Context, stream, field string, payload []byte) (string, error) {
	return q.Append(ctx, stream, field, payload)
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= len("BUSYGROUP") && err.Error()[:len("BUSYGROUP")] == "BUSYGROUP"
}
