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

// Package breaker implements a per-endpoint closed/open/half-open circuit
// breaker. State is kept in atomic words so MayProceed never takes a lock
// on the delivery hot path.
package breaker

import (
	"sync/atomic"
	"time"
)

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds. Zero values are replaced with the
// defaults named in spec.md 4.2.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// Breaker is a single endpoint's circuit breaker. All fields are accessed
// only through atomic operations; Breaker has no mutex.
type Breaker struct {
	cfg Config

	state             atomic.Int32
	consecutiveFails  atomic.Int64
	lastFailureNanos  atomic.Int64
	halfOpenInFlight  atomic.Int64
	halfOpenSuccesses atomic.Int64

	now func() time.Time
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	b.state.Store(int32(Closed))
	return b
}

// State reports the breaker's current state without side effects: an open
// breaker whose timeout has elapsed still reads Open until the next
// MayProceed call moves it to half-open.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// MayProceed is the single atomic decision point: it reports whether a
// request is currently permitted, and if the breaker is open past its
// timeout, transitions it to half-open and admits this call as a probe.
func (b *Breaker) MayProceed() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case HalfOpen:
		return b.admitHalfOpenProbe()
	case Open:
		lastFailure := time.Unix(0, b.lastFailureNanos.Load())
		if b.now().Sub(lastFailure) < b.cfg.OpenTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.halfOpenInFlight.Store(0)
			b.halfOpenSuccesses.Store(0)
		}
		return b.admitHalfOpenProbe()
	default:
		return false
	}
}

func (b *Breaker) admitHalfOpenProbe() bool {
	if State(b.state.Load()) != HalfOpen {
		return false
	}
	inFlight := b.halfOpenInFlight.Add(1)
	if inFlight > int64(b.cfg.HalfOpenMaxCalls) {
		b.halfOpenInFlight.Add(-1)
		return false
	}
	return true
}

// RecordSuccess reports a successful call. In the closed state it resets
// the failure streak; in half-open it counts toward the close threshold
// and, once HalfOpenMaxCalls successes are observed, closes the breaker.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case Closed:
		b.consecutiveFails.Store(0)
	case HalfOpen:
		b.halfOpenInFlight.Add(-1)
		successes := b.halfOpenSuccesses.Add(1)
		if successes >= int64(b.cfg.HalfOpenMaxCalls) {
			if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
				b.consecutiveFails.Store(0)
			}
		}
	}
}

// RecordFailure reports a failed call. In the closed state it advances the
// failure streak and trips the breaker once FailureThreshold is reached;
// any failure observed during half-open immediately reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.lastFailureNanos.Store(b.now().UnixNano())

	switch State(b.state.Load()) {
	case Closed:
		fails := b.consecutiveFails.Add(1)
		if fails >= int64(b.cfg.FailureThreshold) {
			b.state.CompareAndSwap(int32(Closed), int32(Open))
		}
	case HalfOpen:
		b.halfOpenInFlight.Add(-1)
		b.state.CompareAndSwap(int32(HalfOpen), int32(Open))
	}
}
