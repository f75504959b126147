// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package readstore

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

const DefaultMaxRetries = 3

// Retrying repeats reads that failed with a transient error, backing off exponentially.
type Retrying struct {
	next       Store
	log        *zap.SugaredLogger
	newBackOff func() cbackoff.BackOff
	maxRetries uint64
}

func NewRetrying(next Store, maxRetries uint64) *Retrying {
	return &Retrying{
		next:       next,
		log:        logger.For(logger.ComponentReadStore),
		newBackOff: func() cbackoff.BackOff { return cbackoff.NewExponentialBackOff() },
		maxRetries: maxRetries,
	}
}

// WithBackOff replaces the backoff policy, e.g. with a constant one in tests.
func (r *Retrying) WithBackOff(newBackOff func() cbackoff.BackOff) *Retrying {
	r.newBackOff = newBackOff
	return r
}

func retryRead[T any](ctx context.Context, r *Retrying, name string, read func() (T, error)) (T, error) {
	var result T

	policy := cbackoff.WithContext(cbackoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)

	err := cbackoff.RetryNotify(func() error {
		value, err := read()
		if err == nil {
			result = value
			return nil
		}

		if !backoff.IsTransientError(backoff.CategorizeError(err)) {
			return cbackoff.Permanent(err)
		}

		return err
	}, policy, func(err error, wait time.Duration) {
		r.log.Debugf("Read %s failed, retrying in %s: %v", name, wait, err)
	})

	return result, err
}

func (r *Retrying) ItemsInArea(ctx context.Context, q AreaQuery) ([]models.Item, error) {
	return retryRead(ctx, r, "items_in_area", func() ([]models.Item, error) { return r.next.ItemsInArea(ctx, q) })
}

func (r *Retrying) ItemByID(ctx context.Context, id models.EntityID) (models.Item, error) {
	return retryRead(ctx, r, "item_by_id", func() (models.Item, error) { return r.next.ItemByID(ctx, id) })
}

func (r *Retrying) MapIDs(ctx context.Context) ([]string, error) {
	return retryRead(ctx, r, "map_ids", func() ([]string, error) { return r.next.MapIDs(ctx) })
}

func (r *Retrying) Categories(ctx context.Context, ref models.MapRef) ([]models.Category, error) {
	return retryRead(ctx, r, "categories", func() ([]models.Category, error) { return r.next.Categories(ctx, ref) })
}
