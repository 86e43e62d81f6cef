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

// Package delivery signs, POSTs, retries, and records every delivery job
// fanned out by the processor.
package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one delivery attempt owed to a subscriber endpoint. The secret
// is carried inline so a delivery worker never needs a metadata-store
// read on the hot path.
type Job struct {
	DeliveryID  string    `json:"delivery_id"`
	EventID     string    `json:"event_id"`
	EndpointID  string    `json:"endpoint_id"`
	WebhookURL  string    `json:"webhook_url"`
	HMACSecret  string    `json:"hmac_secret"`
	Payload     []byte    `json:"payload"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
	MaxRetries  int       `json:"max_retries"`
	TimeoutMs   int       `json:"timeout_ms"`
}

// Marshal renders the job as canonical JSON for the deliveries stream.
func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob parses a deliveries-stream record.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("delivery: unmarshal job: %w", err)
	}
	return j, nil
}

// AttemptRecord is appended to the analytical deliveries table for every
// outcome: success, transient, permanent, or circuit_open.
type AttemptRecord struct {
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
