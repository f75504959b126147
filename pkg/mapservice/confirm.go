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

package mapservice

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/changedetector"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

// ConfirmResult summarizes one processed broadcast.
type ConfirmResult struct {
	// Settled counts the queue records flipped to done.
	Settled int `json:"settled"`
	// Pruned counts the settled records removed from the queue.
	Pruned int `json:"pruned"`
	// Maps lists the maps that received a confirmed event.
	Maps []models.MapRef `json:"maps"`
}

// Confirm handles the writer's report that targets were committed. It settles
// the matching queue records, prunes the queue, publishes the confirmed events
// and re-checks the derived views of the affected maps.
func (s *Service) Confirm(ctx context.Context, b Broadcast) (ConfirmResult, error) {
	op, ok := b.Operation.kind()
	if !ok {
		return ConfirmResult{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidBroadcast, b.Operation)
	}

	if len(b.Targets) == 0 {
		return ConfirmResult{}, fmt.Errorf("%w: no targets", ErrInvalidBroadcast)
	}

	records, err := s.deps.Queue.MarkDone(op, b.Targets...)
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentMapService, "confirm", err, s.log)
	}

	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate()
	}

	refs := make(map[models.EntityID]models.MapRef, len(b.Targets))
	for _, rec := range records {
		refs[rec.TargetID] = rec.MapRef
	}

	// Commits that did not pass through this service have no record; look up their map.
	for _, target := range b.Targets {
		if _, known := refs[target]; known || op == models.OperationDelete {
			continue
		}

		item, lookupErr := s.deps.Reader.ItemByID(ctx, target)
		if lookupErr != nil {
			s.log.Debugf("Cannot resolve the map of confirmed item %s: %v", target, lookupErr)
			continue
		}
		refs[target] = item.MapRef
	}

	byRef := make(map[models.MapRef][]models.EntityID)
	for _, target := range b.Targets {
		ref, ok := refs[target]
		if !ok {
			continue
		}
		byRef[ref] = append(byRef[ref], target)
	}

	result := ConfirmResult{Settled: len(records)}

	for ref, targets := range byRef {
		s.publish(ctx, eventFor(op), ref, ChangeEvent{
			State:     StateConfirmed,
			Operation: op,
			Targets:   targets,
		})
		result.Maps = append(result.Maps, ref)
	}

	sort.Slice(result.Maps, func(i, j int) bool { return result.Maps[i].String() < result.Maps[j].String() })

	pruned, pruneErr := s.deps.Queue.Prune()
	if pruneErr != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentMapService, "prune", pruneErr, s.log)
	}
	result.Pruned = pruned

	s.checkMaps(ctx, result.Maps)

	return result, errors.Join(err, pruneErr)
}

func (s *Service) checkMaps(ctx context.Context, refs []models.MapRef) {
	if s.deps.Checker == nil {
		return
	}

	seen := make(map[string]struct{}, len(refs))

	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}

		err := s.deps.Checker.CheckForChanges(ctx, ref.ID)

		switch {
		case err == nil:
		case errors.Is(err, changedetector.ErrBusy):
			s.log.Debugf("Category check of map %s already running", ref.ID)
		default:
			metrics.IncErrorCountAndLog(metrics.ComponentMapService, ref.ID, err, s.log)
		}
	}
}
