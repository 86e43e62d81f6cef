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

package correlation

import (
	"context"
	"testing"
)

func TestEnsureIDGenerates(t *testing.T) {
	ctx, id := EnsureID(context.Background())
	if id == "" {
		t.Fatalf("expected generated id not empty")
	}
	if got := GetID(ctx); got != id {
		t.Fatalf("expected id round trip; got %s want %s", got, id)
	}
}

func TestEnsureIDPreservesExisting(t *testing.T) {
	base := WithID(context.Background(), "abc123")
	ctx, id := EnsureID(base)
	if id != "abc123" {
		t.Fatalf("expected existing id preserved; got %s", id)
	}
	if got := GetID(ctx); got != "abc123" {
		t.Fatalf("round trip mismatch: %s", got)
	}
}

func TestGetIDAbsent(t *testing.T) {
	if got := GetID(context.Background()); got != "" {
		t.Fatalf("expected empty id on bare context; got %s", got)
	}
}
