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
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

// Cached keeps read results for a short TTL. Confirmed writes call Invalidate.
// A read that started before an Invalidate is returned but not cached.
type Cached struct {
	next       Reader
	cache      *cache.Cache
	generation uint64
	mu         sync.Mutex
}

func NewCached(next Reader, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func areaKey(q AreaQuery) string {
	return fmt.Sprintf("area-%s-%s-%g-%g-%g-%g-%d",
		q.MapRef.ID, q.MapRef.Variant, q.Extent.MinX, q.Extent.MinY, q.Extent.MaxX, q.Extent.MaxY, q.Zoom)
}

func itemKey(id models.EntityID) string {
	return "item-" + string(id)
}

func cloneItems(items []models.Item) []models.Item {
	out := make([]models.Item, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}

	return out
}

func (c *Cached) ItemsInArea(ctx context.Context, q AreaQuery) ([]models.Item, error) {
	key := areaKey(q)

	if cached, found := c.cache.Get(key); found {
		if items, ok := cached.([]models.Item); ok {
			return cloneItems(items), nil
		}
	}

	gen := c.currentGeneration()

	items, err := c.next.ItemsInArea(ctx, q)
	if err != nil {
		return nil, err
	}

	c.store(gen, key, cloneItems(items))

	return items, nil
}

func (c *Cached) ItemByID(ctx context.Context, id models.EntityID) (models.Item, error) {
	key := itemKey(id)

	if cached, found := c.cache.Get(key); found {
		if item, ok := cached.(models.Item); ok {
			return item.Clone(), nil
		}
	}

	gen := c.currentGeneration()

	item, err := c.next.ItemByID(ctx, id)
	if err != nil {
		return models.Item{}, err
	}

	c.store(gen, key, item.Clone())

	return item, nil
}

func (c *Cached) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation
}

// store caches value unless an Invalidate happened since gen was taken.
func (c *Cached) store(gen uint64, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}

	c.cache.SetDefault(key, value)
}

// Invalidate drops every cached result, including reads still in flight.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.cache.Flush()
}

func (c *Cached) Len() int {
	return c.cache.ItemCount()
}
