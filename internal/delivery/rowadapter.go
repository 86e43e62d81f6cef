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
	"context"

	"github.com/ipcasj/ethhook/internal/analytics"
)

// deliveryRowInserter adapts analytics.DeliveryInserter (which works in
// terms of analytics.DeliveryRow) into a batchwriter.Inserter[AttemptRecord],
// so the delivery package's own AttemptRecord type never has to leak into
// internal/analytics.
type deliveryRowInserter struct {
	inner *analytics.DeliveryInserter
}

// NewAttemptInserter wraps an analytics.Store's delivery-row inserter for
// use as a batchwriter.Inserter[AttemptRecord].
func NewAttemptInserter(store *analytics.Store) *deliveryRowInserter {
	return &deliveryRowInserter{inner: store.NewDeliveryInserter()}
}

// InsertBatch converts each AttemptRecord to an analytics.DeliveryRow and
// delegates to the wrapped inserter.
func (a *deliveryRowInserter) InsertBatch(ctx context.Context, rows []AttemptRecord) error {
	converted := make([]analytics.DeliveryRow, len(rows))
	for i, r := range rows {
		converted[i] = analytics.DeliveryRow{
			DeliveryID:    r.DeliveryID,
			EventID:       r.EventID,
			EndpointID:    r.EndpointID,
			AttemptNumber: r.AttemptNumber,
			HTTPStatus:    r.HTTPStatus,
			ErrorKind:     r.ErrorKind,
			LatencyMs:     r.LatencyMs,
			DeliveredAt:   r.DeliveredAt,
			NextRetryAt:   r.NextRetryAt,
		}
	}
	return a.inner.InsertBatch(ctx, converted)
}
