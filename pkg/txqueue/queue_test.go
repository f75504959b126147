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

package txqueue_test

import (
	"sync"
	"time"

	"github.com/beeker1121/goque"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/txqueue"
)

var mapA = models.MapRef{ID: "a", Variant: models.VariantReal}

type stepClock struct {
	now time.Time
	mu  sync.Mutex
}

// Now advances by one second per call so every record gets a distinct timestamp.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Second)

	return c.now
}

func strPtr(s string) *string { return &s }

func point(x, y float64) models.Geometry {
	return models.Geometry{Type: "Point", Coordinates: [][]float64{{x, y}}}
}

var _ = Describe("Queue", func() {
	var (
		q     *txqueue.Queue
		dir   string
		clock *stepClock
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		clock = &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

		var err error
		q, err = txqueue.Open(dir, txqueue.WithClock(clock.Now))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(q.Close()).To(Succeed())
	})

	Describe("Reconcile", func() {
		base := []models.Item{
			{ID: "1", Name: "one", Geometry: point(1, 1)},
			{ID: "2", Name: "two", Geometry: point(2, 2)},
			{ID: "3", Name: "three", Geometry: point(3, 3)},
		}

		It("applies updates in creation order and stamps the record time", func() {
			_, err := q.Enqueue("s1", mapA, models.OperationUpdate, "2", models.Patch{Name: strPtr("first")})
			Expect(err).NotTo(HaveOccurred())
			last, err := q.Enqueue("s2", mapA, models.OperationUpdate, "2", models.Patch{Name: strPtr("second")})
			Expect(err).NotTo(HaveOccurred())

			out := q.Reconcile(base, nil)
			Expect(out).To(HaveLen(3))
			Expect(out[1].Name).To(Equal("second"))
			Expect(out[1].LastEditedTime).To(BeTemporally("==", last.CreatedAt))
		})

		It("depends on record order", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("x")})
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("y")})
			Expect(q.Reconcile(base, nil)[0].Name).To(Equal("y"))

			other, err := txqueue.Open(GinkgoT().TempDir())
			Expect(err).NotTo(HaveOccurred())
			defer other.Close()

			_, _ = other.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("y")})
			_, _ = other.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("x")})
			Expect(other.Reconcile(base, nil)[0].Name).To(Equal("x"))
		})

		It("drops items an update moved out of the queried extent", func() {
			extent := models.Extent{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5}
			moved := point(50, 50)
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "3", models.Patch{Geometry: &moved})

			out := q.Reconcile(base, func(_ txqueue.Record, patched models.Item) bool {
				return extent.Intersects(patched.Geometry)
			})

			Expect(out).To(HaveLen(2))
			Expect(out).NotTo(ContainElement(HaveField("ID", models.EntityID("3"))))
		})

		It("ignores records for absent targets and never synthesizes creates", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "99", models.Patch{Name: strPtr("ghost")})
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "98", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationCreate, "", models.Item{Name: "new"})

			out := q.Reconcile(base, nil)
			Expect(out).To(HaveLen(3))
			for i := range base {
				Expect(out[i].ID).To(Equal(base[i].ID))
				Expect(out[i].Name).To(Equal(base[i].Name))
			}
		})

		It("skips malformed records and keeps going", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", "not a patch")
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "2", models.Patch{Name: strPtr("ok")})

			out := q.Reconcile(base, nil)
			Expect(out[0].Name).To(Equal("one"))
			Expect(out[1].Name).To(Equal("ok"))
		})

		It("does not mutate base and is idempotent on duplicates", func() {
			patch := models.Patch{Attributes: map[string]any{"k": "v"}}
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", patch)
			once := q.Reconcile(base, nil)

			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", patch)
			twice := q.Reconcile(base, nil)

			Expect(base[0].Attributes).To(BeNil())
			Expect(twice[0].Attributes).To(Equal(once[0].Attributes))
			Expect(twice[0].Name).To(Equal(once[0].Name))
		})

		It("ignores settled records", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "1", nil)
			_, err := q.MarkDone(models.OperationDelete, "1")
			Expect(err).NotTo(HaveOccurred())

			Expect(q.Reconcile(base, nil)).To(HaveLen(3))
		})

		It("lets a later update bring an item back into the extent", func() {
			extent := models.Extent{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
			away, back := point(50, 50), point(4, 4)
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Geometry: &away})
			last, _ := q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Geometry: &back, Name: strPtr("returned")})

			var judged []string
			out := q.Reconcile(base, func(rec txqueue.Record, patched models.Item) bool {
				judged = append(judged, rec.Key)
				return extent.Intersects(patched.Geometry)
			})

			Expect(out).To(HaveLen(3))
			Expect(out[0].Name).To(Equal("returned"))
			Expect(out[0].Geometry).To(Equal(back))
			Expect(judged).To(Equal([]string{last.Key}))
		})

		It("keeps a delete final over later updates", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "2", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "2", models.Patch{Name: strPtr("late")})

			out := q.Reconcile(base, func(txqueue.Record, models.Item) bool { return true })
			Expect(out).To(HaveLen(2))
			Expect(out).NotTo(ContainElement(HaveField("ID", models.EntityID("2"))))
		})
	})

	Describe("settling and pruning", func() {
		It("prunes settled records from the head only", func() {
			a, _ := q.Enqueue("s", mapA, models.OperationDelete, "1", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "2", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "3", nil)

			done, err := q.MarkDone(models.OperationDelete, "1", "3")
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(HaveLen(2))
			Expect(done[0].Key).To(Equal(a.Key))

			pruned, err := q.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(1))
			Expect(q.Len()).To(Equal(2))

			_, _ = q.MarkDone(models.OperationDelete, "2")
			pruned, err = q.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(2))
			Expect(q.Len()).To(BeZero())
		})

		It("settles a create as soon as the writer assigns its id", func() {
			rec, _ := q.Enqueue("s", mapA, models.OperationCreate, "", models.Item{Name: "n"})

			// the broadcast may arrive before the writer's answer and match nothing
			done, err := q.MarkDone(models.OperationCreate, "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeEmpty())

			Expect(q.SettleCreate(rec.Key, "42")).To(Succeed())

			records := q.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].TargetID).To(Equal(models.EntityID("42")))
			Expect(records[0].Status).To(Equal(txqueue.StatusDone))

			pruned, err := q.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(1))
			Expect(q.Len()).To(BeZero())
		})

		It("finds pending records by target until they fail", func() {
			rec, _ := q.Enqueue("s", mapA, models.OperationUpdate, "42", models.Patch{Name: strPtr("n")})

			pending := q.PendingFor("42")
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].MapRef).To(Equal(mapA))

			Expect(q.MarkFailed(rec.Key)).To(Succeed())
			Expect(q.PendingFor("42")).To(BeEmpty())
		})

		It("only settles records of the confirmed operation", func() {
			del, _ := q.Enqueue("s", mapA, models.OperationDelete, "7", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationUpdate, "7", models.Patch{Name: strPtr("n")})

			done, err := q.MarkDone(models.OperationUpdate, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(HaveLen(1))
			Expect(done[0].Operation).To(Equal(models.OperationUpdate))

			pending := q.PendingFor("7")
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].Key).To(Equal(del.Key))
		})

		It("compacts settled records stuck behind a pending head", func() {
			stuck, _ := q.Enqueue("s", mapA, models.OperationCreate, "", models.Item{Name: "timed out"})
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "1", nil)
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "2", nil)
			later, _ := q.Enqueue("s", mapA, models.OperationUpdate, "3", models.Patch{Name: strPtr("n")})
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "4", nil)
			_, _ = q.MarkDone(models.OperationDelete, "1", "2", "4")

			pruned, err := q.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(3))

			records := q.Records()
			Expect(records).To(HaveLen(2))
			Expect(records[0].Key).To(Equal(stuck.Key))
			Expect(records[1].Key).To(Equal(later.Key))
			Expect(records[0].ID).To(BeNumerically("<", records[1].ID))

			// settling through the compacted copies still works
			Expect(q.MarkFailed(stuck.Key)).To(Succeed())
			Expect(q.PendingFor("3")).To(HaveLen(1))
		})

		It("reports unknown keys", func() {
			Expect(q.MarkFailed("missing")).To(MatchError(txqueue.ErrRecordNotFound))
		})

		It("expires pending records older than the cutoff", func() {
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "1", nil)
			clock.mu.Lock()
			clock.now = clock.now.Add(48 * time.Hour)
			clock.mu.Unlock()
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "2", nil)

			Expect(q.ExpireStale(0)).To(BeZero())
			Expect(q.ExpireStale(24 * time.Hour)).To(Equal(1))
			Expect(q.PendingFor("1")).To(BeEmpty())
			Expect(q.PendingFor("2")).To(HaveLen(1))
		})
	})

	Describe("interrupted compaction", func() {
		var first, second *txqueue.Record

		// copyRaw reopens the log with goque and appends the stored values at offsets,
		// the state a crash between copying and dropping leaves behind.
		copyRaw := func(offsets ...uint64) {
			Expect(q.Close()).To(Succeed())

			raw, err := goque.OpenQueue(dir)
			Expect(err).NotTo(HaveOccurred())
			for _, off := range offsets {
				item, err := raw.PeekByOffset(off)
				Expect(err).NotTo(HaveOccurred())
				_, err = raw.Enqueue(item.Value)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(raw.Close()).To(Succeed())

			q, err = txqueue.Open(dir)
			Expect(err).NotTo(HaveOccurred())
		}

		BeforeEach(func() {
			first, _ = q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("a")})
			_, _ = q.Enqueue("s", mapA, models.OperationDelete, "9", nil)
			second, _ = q.Enqueue("s", mapA, models.OperationUpdate, "2", models.Patch{Name: strPtr("b")})
			_, _ = q.MarkDone(models.OperationDelete, "9")
		})

		It("finishes it on open when every pending record was copied", func() {
			copyRaw(0, 2)

			records := q.Records()
			Expect(records).To(HaveLen(2))
			Expect(records[0].Key).To(Equal(first.Key))
			Expect(records[1].Key).To(Equal(second.Key))
		})

		It("rolls it back on open when copies are missing", func() {
			copyRaw(0)

			Expect(q.Len()).To(Equal(4))
			Expect(q.PendingFor("1")).To(HaveLen(1))
			Expect(q.PendingFor("2")).To(HaveLen(1))

			out := q.Reconcile([]models.Item{{ID: "1"}, {ID: "2"}}, nil)
			Expect(out[0].Name).To(Equal("a"))
			Expect(out[1].Name).To(Equal("b"))
		})
	})

	It("survives a reopen", func() {
		rec, err := q.Enqueue("s", mapA, models.OperationUpdate, "1", models.Patch{Name: strPtr("x")})
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Close()).To(Succeed())

		var reopenErr error
		q, reopenErr = txqueue.Open(dir)
		Expect(reopenErr).NotTo(HaveOccurred())

		records := q.Records()
		Expect(records).To(HaveLen(1))
		Expect(records[0].Key).To(Equal(rec.Key))
		Expect(records[0].Status).To(Equal(txqueue.StatusPending))
	})
})
