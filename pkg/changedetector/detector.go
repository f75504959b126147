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

// Package changedetector watches the derived category set of every map and
// announces when it changes.
package changedetector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EagleChen/mapmutex"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
)

const (
	EventCategoryUpdate = "categoryUpdate"

	DefaultPollInterval = 5 * time.Minute
)

var ErrBusy = errors.New("another check of this map is still running")

// CategorySource computes the current categories of a map.
type CategorySource interface {
	MapIDs(ctx context.Context) ([]string, error)
	Categories(ctx context.Context, ref models.MapRef) ([]models.Category, error)
}

type Publisher interface {
	Publish(ctx context.Context, event string, args map[string]any, payload any) error
}

// categorySet maps category names to their sorted data sources.
type categorySet map[string][]string

func newCategorySet(categories []models.Category) categorySet {
	set := make(categorySet, len(categories))

	for _, c := range categories {
		sources := make([]string, 0, len(c.DataSources))
		seen := make(map[string]struct{}, len(c.DataSources))

		for _, ds := range c.DataSources {
			if _, dup := seen[ds]; dup {
				continue
			}
			seen[ds] = struct{}{}
			sources = append(sources, ds)
		}

		sort.Strings(sources)
		set[c.Name] = sources
	}

	return set
}

// Equal compares names and data source membership, ignoring order, field keys and counts.
func (s categorySet) Equal(other categorySet) bool {
	if len(s) != len(other) {
		return false
	}

	for name, sources := range s {
		otherSources, ok := other[name]
		if !ok || len(sources) != len(otherSources) {
			return false
		}

		for i := range sources {
			if sources[i] != otherSources[i] {
				return false
			}
		}
	}

	return true
}

// Detector keeps one snapshot per MapRef and replaces it wholesale when it changes.
type Detector struct {
	source    CategorySource
	publisher Publisher
	locks     *mapmutex.Mutex
	log       *zap.SugaredLogger
	snapshots map[models.MapRef]*atomic.Pointer[categorySet]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
}

func New(source CategorySource, publisher Publisher) *Detector {
	return &Detector{
		source:    source,
		publisher: publisher,
		// 800 retries with a delay growing to 0.1s before TryLock gives up
		locks:     mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		log:       logger.For(logger.ComponentDetector),
		snapshots: make(map[models.MapRef]*atomic.Pointer[categorySet]),
	}
}

func (d *Detector) slot(ref models.MapRef) *atomic.Pointer[categorySet] {
	d.mu.RLock()
	p, ok := d.snapshots[ref]
	d.mu.RUnlock()

	if ok {
		return p
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok = d.snapshots[ref]; !ok {
		p = &atomic.Pointer[categorySet]{}
		d.snapshots[ref] = p
	}

	return p
}

// Init takes the first snapshot of every known map without publishing.
func (d *Detector) Init(ctx context.Context) error {
	ids, err := d.source.MapIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list maps: %w", err)
	}

	var errs []error

	for _, id := range ids {
		for _, variant := range models.Variants() {
			ref := models.MapRef{ID: id, Variant: variant}

			categories, err := d.source.Categories(ctx, ref)
			if err != nil {
				errs = append(errs, fmt.Errorf("map %s: %w", ref, err))
				continue
			}

			set := newCategorySet(categories)
			d.slot(ref).Store(&set)
		}
	}

	d.log.Infof("Initialized category snapshots for %d maps", len(ids))

	return errors.Join(errs...)
}

// CheckForChanges recomputes both variants of mapID and publishes categoryUpdate for each that changed.
// A map without a snapshot counts as having no categories.
func (d *Detector) CheckForChanges(ctx context.Context, mapID string) error {
	if !d.locks.TryLock(mapID) {
		return fmt.Errorf("%w: %s", ErrBusy, mapID)
	}
	defer d.locks.Unlock(mapID)

	var errs []error

	for _, variant := range models.Variants() {
		if err := d.checkVariant(ctx, models.MapRef{ID: mapID, Variant: variant}); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Detector) checkVariant(ctx context.Context, ref models.MapRef) error {
	categories, err := d.source.Categories(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to compute categories of %s: %w", ref, err)
	}

	next := newCategorySet(categories)
	slot := d.slot(ref)

	previous := slot.Load()
	if previous == nil {
		previous = &categorySet{}
	}

	if previous.Equal(next) {
		return nil
	}

	slot.Store(&next)
	metrics.IncCategoryChanges()

	d.log.Infof("Categories of %s changed (%d -> %d)", ref, len(*previous), len(next))

	if err := d.publisher.Publish(ctx, EventCategoryUpdate, ref.Args(), true); err != nil {
		return fmt.Errorf("failed to publish category update for %s: %w", ref, err)
	}

	return nil
}

// Categories returns the last snapshot of ref as category names with their data sources.
func (d *Detector) Categories(ref models.MapRef) map[string][]string {
	set := d.slot(ref).Load()
	if set == nil {
		return map[string][]string{}
	}

	out := make(map[string][]string, len(*set))
	for name, sources := range *set {
		out[name] = append([]string(nil), sources...)
	}

	return out
}

// Start polls every known map each interval until Stop. A zero interval disables polling.
func (d *Detector) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// a failing source skips ticks instead of being hit every interval
		gate := backoff.NewNonBlocking(interval, 2, 8*interval, backoff.PolicyExponential)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !gate.ShouldRunNow() {
					continue
				}

				if err := d.pollAll(ctx); err != nil {
					gate.MarkFailed()
				} else {
					gate.MarkSucceeded()
				}
			}
		}
	}()
}

func (d *Detector) pollAll(ctx context.Context) error {
	ids, err := d.source.MapIDs(ctx)
	if err != nil {
		if backoff.IsIgnoredError(backoff.CategorizeError(err)) {
			return nil
		}

		metrics.IncErrorCount(metrics.ComponentDetector, "poll")
		sentry.ReportIssuef(sentry.IssueTypeWarning, d.log, "[Detector.poll] failed to list maps: %v", err)

		return err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}

		if err := d.CheckForChanges(ctx, id); err != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentDetector, id, err, d.log)
		}
	}

	return nil
}

func (d *Detector) Stop() {
	if d.cancel == nil {
		return
	}

	d.cancel()
	d.wg.Wait()
}
