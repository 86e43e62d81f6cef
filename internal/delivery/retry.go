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

package delivery

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls the exponential-backoff-with-jitter retry schedule.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultRetryPolicy mirrors the defaults named in spec.md 4.7.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		MaxRetries: 5,
	}
}

// Delay computes the backoff delay after the given zero-based attempt has
// failed (the job's attempt count before this failure, so the first retry
// waits about BaseDelay), with +/-25% uniform jitter and a floor at BaseDelay.
func (p RetryPolicy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	capped := math.Min(raw, float64(p.MaxDelay))

	jitterFactor := 0.75 + rnd.Float64()*0.5 // uniform in [0.75, 1.25]
	delay := time.Duration(capped * jitterFactor)

	if delay < p.BaseDelay {
		delay = p.BaseDelay
	}
	return delay
}
