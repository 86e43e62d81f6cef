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

// Package correlation threads one id through a delivery job's lifetime
// (processor fan-out, retries, logs) so every log line for one attempt can
// be grepped together across worker goroutines.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// key is unexported so only this package can mint context values under it.
type key string

// idKey is the context key a correlation id is stored under.
const idKey key = "correlation_id"

// GetID returns the correlation id on ctx, or "" if none is set.
func GetID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(idKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithID returns a child context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, idKey, id)
}

// EnsureID returns a context carrying a correlation id, generating one via
// uuid.NewString if ctx did not already carry one.
func EnsureID(ctx context.Context) (context.Context, string) {
	if id := GetID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithID(ctx, id), id
}
