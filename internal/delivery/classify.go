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

import "github.com/ipcasj/ethhook/internal/ethevent"

// Outcome is the result of one HTTP attempt, classified per spec.md 4.7.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRedirectLoop
	OutcomePermanent
	OutcomeTransient
)

// String names the outcome for the delivery_attempts_total metric label.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRedirectLoop:
		return "redirect_loop"
	case OutcomePermanent:
		return "permanent"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// AffectsBreaker reports whether this outcome should drive the
// endpoint's circuit breaker. Permanent failures are the subscriber's
// misconfiguration, not their dependency failing, so they leave the
// breaker untouched.
func (o Outcome) AffectsBreaker() bool {
	return o == OutcomeSuccess || o == OutcomeTransient
}

// ClassifyStatus classifies a completed HTTP response by status code,
// given whether the redirect budget was exceeded while following it.
func ClassifyStatus(status int, redirectBudgetExceeded bool) Outcome {
	switch {
	case redirectBudgetExceeded:
		return OutcomeRedirectLoop
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 408 || status == 429:
		return OutcomeTransient
	case status >= 400 && status < 500:
		return OutcomePermanent
	case status >= 500:
		return OutcomeTransient
	default:
		return OutcomeTransient
	}
}

// ErrorKind maps an outcome (plus, for transient, whether
// retries remain) to the ErrorKind recorded on the attempt row.
func (o Outcome) ErrorKind(attemptAfter, maxRetries int) ethevent.ErrorKind {
	switch o {
	case OutcomeSuccess:
		return ""
	case OutcomeRedirectLoop:
		return ethevent.ErrorKindRedirectLoop
	case OutcomePermanent:
		return ethevent.ErrorKindPermanent
	case OutcomeTransient:
		if attemptAfter > maxRetries {
			return ethevent.ErrorKindExhausted
		}
		return ethevent.ErrorKindTransient
	default:
		return ethevent.ErrorKindTransient
	}
}

// IsTerminal reports whether this outcome ends the job's lifecycle
// (no further retry is scheduled).
func (o Outcome) IsTerminal(attemptAfter, maxRetries int) bool {
	switch o {
	case OutcomeSuccess, OutcomePermanent:
		return true
	case OutcomeRedirectLoop, OutcomeTransient:
		return attemptAfter > maxRetries
	default:
		return true
	}
}
