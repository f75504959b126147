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

package txqueue

import (
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

// Reconcile folds the pending writes of every session into base.
//
// Records apply in creation order, so later writes to an entity win. An update
// to a present item is patched and stamped with the record time. A delete
// removes the item and later records for it are ignored. Once every record is
// applied, an updated item is kept only if isRelevant holds for its final
// state and the last update that touched it. Records whose target is absent
// are ignored, so creates are never synthesized. Undecodable records are
// skipped with a warning. base is not mutated and replaying a record yields
// the same result.
func (q *Queue) Reconcile(base []models.Item, isRelevant Predicate) []models.Item {
	out := make([]models.Item, len(base))
	index := make(map[models.EntityID]int, len(base))

	for i, item := range base {
		out[i] = item.Clone()
		index[item.ID] = i
	}

	deleted := make(map[int]struct{})
	lastUpdate := make(map[int]Record)

	q.mu.Lock()

	q.scan(func(rec *Record, err error) bool {
		if err != nil {
			q.skip(rec, err)
			return true
		}

		if rec.Status != StatusPending || rec.TargetID == "" {
			return true
		}

		idx, ok := index[rec.TargetID]
		if !ok {
			return true
		}

		if _, gone := deleted[idx]; gone {
			return true
		}

		switch rec.Operation {
		case models.OperationUpdate:
			patch, err := rec.Patch()
			if err != nil {
				q.skip(rec, err)
				return true
			}

			out[idx] = patch.ApplyTo(out[idx])
			out[idx].LastEditedTime = rec.CreatedAt
			lastUpdate[idx] = *rec
		case models.OperationDelete:
			deleted[idx] = struct{}{}
		case models.OperationCreate:
			// the base result already contains committed creates
		default:
			q.skip(rec, ErrUnknownOperation)
		}

		return true
	})

	q.mu.Unlock()

	if isRelevant != nil {
		for idx, rec := range lastUpdate {
			if _, gone := deleted[idx]; gone {
				continue
			}

			if !isRelevant(rec, out[idx]) {
				deleted[idx] = struct{}{}
			}
		}
	}

	if len(deleted) == 0 {
		return out
	}

	result := make([]models.Item, 0, len(out)-len(deleted))

	for i, item := range out {
		if _, gone := deleted[i]; !gone {
			result = append(result, item)
		}
	}

	return result
}

func (q *Queue) skip(rec *Record, err error) {
	metrics.IncReconcileSkipped()

	if rec == nil {
		q.log.Warnf("Skipping unreadable queue record: %v", err)
		return
	}

	q.log.Warnf("Skipping queue record %d (%s): %v", rec.ID, rec.Key, err)
}
