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
	"errors"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

// scriptedStore fails the first failures calls with err, then serves items.
type scriptedStore struct {
	err      error
	items    map[models.EntityID]models.Item
	failures int
	calls    int
	mu       sync.Mutex
}

func (s *scriptedStore) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return s.err
	}

	return nil
}

func (s *scriptedStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func (s *scriptedStore) ItemsInArea(_ context.Context, q AreaQuery) ([]models.Item, error) {
	if err := s.next(); err != nil {
		return nil, err
	}

	var out []models.Item
	for _, item := range s.items {
		if item.MapRef == q.MapRef && q.Extent.Intersects(item.Geometry) {
			out = append(out, item)
		}
	}

	return out, nil
}

func (s *scriptedStore) ItemByID(_ context.Context, id models.EntityID) (models.Item, error) {
	if err := s.next(); err != nil {
		return models.Item{}, err
	}

	item, ok := s.items[id]
	if !ok {
		return models.Item{}, backoff.NewPermanentError(ErrNotFound)
	}

	return item, nil
}

func (s *scriptedStore) MapIDs(context.Context) ([]string, error) {
	if err := s.next(); err != nil {
		return nil, err
	}

	return []string{"m1"}, nil
}

func (s *scriptedStore) Categories(context.Context, models.MapRef) ([]models.Category, error) {
	if err := s.next(); err != nil {
		return nil, err
	}

	return []models.Category{{Name: "roads", DataSources: []string{"osm"}}}, nil
}

// heldReader answers area reads from next, then holds the answer until release is closed.
type heldReader struct {
	*scriptedStore
	read    chan struct{}
	release chan struct{}
}

func (h *heldReader) ItemsInArea(ctx context.Context, q AreaQuery) ([]models.Item, error) {
	items, err := h.scriptedStore.ItemsInArea(ctx, q)

	select {
	case h.read <- struct{}{}:
	default:
	}
	<-h.release

	return items, err
}

func instantBackOff() cbackoff.BackOff {
	return &cbackoff.ZeroBackOff{}
}

var _ = Describe("ReadStore", func() {
	var (
		ctx   context.Context
		ref   models.MapRef
		items map[models.EntityID]models.Item
	)

	BeforeEach(func() {
		ctx = context.Background()
		ref = models.MapRef{ID: "m1", Variant: models.VariantReal}
		items = map[models.EntityID]models.Item{
			"a": {
				ID:         "a",
				MapRef:     ref,
				Name:       "bridge",
				Geometry:   models.Geometry{Type: "Point", Coordinates: [][]float64{{1, 1}}},
				Attributes: map[string]any{"height": 3.0},
			},
		}
	})

	Describe("Retrying", func() {
		It("retries transient errors until the read succeeds", func() {
			store := &scriptedStore{err: backoff.NewTransientError(errors.New("connection reset")), failures: 2, items: items}
			r := NewRetrying(store, 3).WithBackOff(instantBackOff)

			item, err := r.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Name).To(Equal("bridge"))
			Expect(store.Calls()).To(Equal(3))
		})

		It("gives up after the configured number of retries", func() {
			store := &scriptedStore{err: backoff.NewTransientError(errors.New("connection reset")), failures: 10, items: items}
			r := NewRetrying(store, 2).WithBackOff(instantBackOff)

			_, err := r.MapIDs(ctx)
			Expect(err).To(HaveOccurred())
			Expect(store.Calls()).To(Equal(3))
		})

		It("does not retry permanent errors", func() {
			store := &scriptedStore{items: items}
			r := NewRetrying(store, 5).WithBackOff(instantBackOff)

			_, err := r.ItemByID(ctx, "missing")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(store.Calls()).To(Equal(1))
		})

		It("does not retry a cancelled read", func() {
			store := &scriptedStore{err: context.Canceled, failures: 10, items: items}
			r := NewRetrying(store, 5).WithBackOff(instantBackOff)

			_, err := r.Categories(ctx, ref)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(store.Calls()).To(Equal(1))
		})
	})

	Describe("Cached", func() {
		It("serves repeated reads from the cache", func() {
			store := &scriptedStore{items: items}
			c := NewCached(store, time.Minute)
			q := AreaQuery{MapRef: ref, Extent: models.Extent{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, Zoom: 10}

			first, err := c.ItemsInArea(ctx, q)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(1))

			second, err := c.ItemsInArea(ctx, q)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(HaveLen(1))
			Expect(store.Calls()).To(Equal(1))
		})

		It("hands out copies that callers may mutate", func() {
			store := &scriptedStore{items: items}
			c := NewCached(store, time.Minute)

			item, err := c.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			item.Name = "changed"
			item.Attributes["height"] = 9.0

			again, err := c.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Name).To(Equal("bridge"))
			Expect(again.Attributes["height"]).To(Equal(3.0))
			Expect(store.Calls()).To(Equal(1))
		})

		It("reads through again after Invalidate", func() {
			store := &scriptedStore{items: items}
			c := NewCached(store, time.Minute)

			_, err := c.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Len()).To(Equal(1))

			c.Invalidate()
			Expect(c.Len()).To(Equal(0))

			_, err = c.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Calls()).To(Equal(2))
		})

		It("does not cache a read that was answered before an Invalidate", func() {
			store := &scriptedStore{items: items}
			held := &heldReader{scriptedStore: store, read: make(chan struct{}, 1), release: make(chan struct{})}
			c := NewCached(held, time.Minute)
			q := AreaQuery{MapRef: ref, Extent: models.Extent{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, Zoom: 10}

			done := make(chan []models.Item, 1)
			go func() {
				defer GinkgoRecover()
				stale, err := c.ItemsInArea(ctx, q)
				Expect(err).NotTo(HaveOccurred())
				done <- stale
			}()

			Eventually(held.read).Should(Receive())

			// the writer commits a move out of the area and the confirmation flushes the cache
			store.mu.Lock()
			moved := items["a"]
			moved.Geometry = models.Geometry{Type: "Point", Coordinates: [][]float64{{50, 50}}}
			store.items = map[models.EntityID]models.Item{"a": moved}
			store.mu.Unlock()
			c.Invalidate()

			close(held.release)
			Eventually(done).Should(Receive(HaveLen(1)))
			Expect(c.Len()).To(Equal(0))

			fresh, err := c.ItemsInArea(ctx, q)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).To(BeEmpty())
			Expect(store.Calls()).To(Equal(2))
		})

		It("does not cache errors", func() {
			store := &scriptedStore{err: backoff.NewTransientError(errors.New("down")), failures: 1, items: items}
			c := NewCached(store, time.Minute)

			_, err := c.ItemByID(ctx, "a")
			Expect(err).To(HaveOccurred())

			item, err := c.ItemByID(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(item.ID).To(Equal(models.EntityID("a")))
		})
	})

	Describe("classify", func() {
		It("maps missing rows to a permanent not-found error", func() {
			err := classify("item_by_id", pgx.ErrNoRows)
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(backoff.IsPermanentError(err)).To(BeTrue())
		})

		DescribeTable("postgres error codes",
			func(code string, transient bool) {
				err := classify("items_in_area", &pgconn.PgError{Code: code})
				Expect(backoff.IsTransientError(err)).To(Equal(transient))
				Expect(backoff.IsPermanentError(err)).To(Equal(!transient))
			},
			Entry("connection failure", "08006", true),
			Entry("serialization failure", "40001", true),
			Entry("deadlock", "40P01", true),
			Entry("admin shutdown", "57P01", true),
			Entry("syntax error", "42601", false),
			Entry("undefined column", "42703", false),
		)

		It("treats unknown driver errors as transient", func() {
			err := classify("map_ids", errors.New("broken pipe"))
			Expect(backoff.IsTransientError(err)).To(BeTrue())
		})
	})

	Describe("decodeItem", func() {
		It("decodes geometry and attributes", func() {
			edited := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			item, err := decodeItem("a", "m1", "virtual", "bridge",
				[]byte(`{"type":"Point","coordinates":[[1,2]]}`), []byte(`{"height":3}`), edited)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.MapRef).To(Equal(models.MapRef{ID: "m1", Variant: models.VariantVirtual}))
			Expect(item.Geometry.Coordinates).To(Equal([][]float64{{1, 2}}))
			Expect(item.Attributes).To(HaveKeyWithValue("height", BeNumerically("==", 3)))
			Expect(item.LastEditedTime).To(Equal(edited))
		})

		It("rejects malformed geometry as permanent", func() {
			_, err := decodeItem("a", "m1", "real", "bridge", []byte(`{"type":`), nil, time.Time{})
			Expect(backoff.IsPermanentError(err)).To(BeTrue())
		})
	})
})
