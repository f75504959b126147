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

package mapservice_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/gateway"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/mapservice"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/readstore"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/service/filesystem"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/txqueue"
)

// memoryReader is the committed state as the writer left it.
type memoryReader struct {
	items map[models.EntityID]models.Item
	mu    sync.Mutex
}

func newMemoryReader() *memoryReader {
	return &memoryReader{items: map[models.EntityID]models.Item{}}
}

func (r *memoryReader) put(item models.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[item.ID] = item
}

func (r *memoryReader) ItemsInArea(_ context.Context, q readstore.AreaQuery) ([]models.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Item
	for _, item := range r.items {
		if item.MapRef == q.MapRef && q.Extent.Intersects(item.Geometry) {
			out = append(out, item.Clone())
		}
	}

	return out, nil
}

func (r *memoryReader) ItemByID(_ context.Context, id models.EntityID) (models.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.Item{}, backoff.NewPermanentError(readstore.ErrNotFound)
	}

	return item.Clone(), nil
}

// gatedCaller holds every call until release is closed, then answers with respond.
type gatedCaller struct {
	respond func(op gateway.OperationDefine, args any) (gateway.Result, error)
	release chan struct{}
	calls   []gateway.OperationDefine
	mu      sync.Mutex
}

func newGatedCaller() *gatedCaller {
	return &gatedCaller{
		release: make(chan struct{}),
		respond: func(gateway.OperationDefine, any) (gateway.Result, error) { return gateway.Result{}, nil },
	}
}

func (g *gatedCaller) Call(ctx context.Context, op gateway.OperationDefine, args any) (gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	respond := g.respond
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
		return gateway.Result{}, gateway.NewError(op.URI, 0, ctx.Err())
	}

	return respond(op, args)
}

func (g *gatedCaller) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.calls)
}

type countingChecker struct {
	maps []string
	mu   sync.Mutex
}

func (c *countingChecker) CheckForChanges(_ context.Context, mapID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maps = append(c.maps, mapID)

	return nil
}

func (c *countingChecker) Maps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.maps...)
}

type countingCache struct {
	invalidations int
}

func (c *countingCache) Invalidate() { c.invalidations++ }

func point(x, y float64) models.Geometry {
	return models.Geometry{Type: "Point", Coordinates: [][]float64{{x, y}}}
}

func receiveEvent(l *pubsub.ChanListener) mapservice.ChangeEvent {
	var n pubsub.Notification
	EventuallyWithOffset(1, l.C()).Should(Receive(&n))

	var ev mapservice.ChangeEvent
	ExpectWithOffset(1, safejson.Unmarshal(n.Payload, &ev)).To(Succeed())

	return ev
}

func provisionalCount(items []models.Item) int {
	n := 0
	for _, item := range items {
		if item.Provisional {
			n++
		}
	}

	return n
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		ref      models.MapRef
		area     readstore.AreaQuery
		sessions *session.Store
		queue    *txqueue.Queue
		hub      *pubsub.Hub
		reader   *memoryReader
		caller   *gatedCaller
		checker  *countingChecker
		cache    *countingCache
		svc      *mapservice.Service
		released bool
	)

	release := func() {
		if !released {
			close(caller.release)
			released = true
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		ref = models.MapRef{ID: "m1", Variant: models.VariantReal}
		area = readstore.AreaQuery{MapRef: ref, Extent: models.Extent{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, Zoom: 12}

		sessions = session.NewStore(
			session.NewFileSnapshotStore(filesystem.NewMockFileSystem(), "/data/sessions.json"),
			session.Options{TTL: time.Hour},
		)

		var err error
		queue, err = txqueue.Open(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		hub = pubsub.NewHub(pubsub.NewDirectTransport())
		Expect(hub.Start(ctx)).To(Succeed())

		reader = newMemoryReader()
		caller = newGatedCaller()
		checker = &countingChecker{}
		cache = &countingCache{}
		released = false

		svc = mapservice.New(mapservice.Deps{
			Sessions:  sessions,
			Queue:     queue,
			Publisher: hub,
			Gateway:   caller,
			Reader:    reader,
			Checker:   checker,
			Cache:     cache,
		}, mapservice.DefaultOperations())
	})

	AfterEach(func() {
		release()
		Expect(svc.Close(ctx)).To(Succeed())
		Expect(queue.Close()).To(Succeed())
		Expect(hub.Close()).To(Succeed())
	})

	listen := func(event string) *pubsub.ChanListener {
		l := pubsub.NewChanListener(16)
		_, err := hub.Subscribe(event, ref.Args(), l)
		Expect(err).NotTo(HaveOccurred())

		return l
	}

	Context("optimistic create then confirm", func() {
		It("shows the provisional item until the writer commits the real one", func() {
			inserts := listen(mapservice.EventItemInsert)
			caller.respond = func(gateway.OperationDefine, any) (gateway.Result, error) {
				return gateway.Result{JSON: safejson.RawMessage(`{"id":"I42"}`), StatusCode: 200}, nil
			}

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			processID, err := svc.CreateItem(ctx, s1.Token(), models.Item{Name: "well", Geometry: point(1, 1)})
			Expect(err).NotTo(HaveOccurred())

			provisional := receiveEvent(inserts)
			Expect(provisional.State).To(Equal(mapservice.StateProvisional))
			Expect(provisional.ProcessID).To(Equal(processID))

			items, err := svc.ReadItems(ctx, s1.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Provisional).To(BeTrue())
			Expect(items[0].ID).To(Equal(models.EntityID(processID)))

			release()
			Expect(svc.Wait(ctx)).To(Succeed())

			accepted := receiveEvent(inserts)
			Expect(accepted.State).To(Equal(mapservice.StateAccepted))
			Expect(accepted.Targets).To(ConsistOf(models.EntityID("I42")))
			Expect(s1.Overlay().Len()).To(Equal(0))
			Expect(queue.PendingFor("I42")).To(BeEmpty())

			records := queue.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].TargetID).To(Equal(models.EntityID("I42")))
			Expect(records[0].Status).To(Equal(txqueue.StatusDone))

			reader.put(models.Item{ID: "I42", MapRef: ref, Name: "well", Geometry: point(1, 1)})

			result, err := svc.Confirm(ctx, mapservice.Broadcast{Operation: mapservice.BroadcastInsert, Targets: []models.EntityID{"I42"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Settled).To(Equal(0))
			Expect(result.Pruned).To(Equal(1))
			Expect(result.Maps).To(ConsistOf(ref))

			confirmed := receiveEvent(inserts)
			Expect(confirmed.State).To(Equal(mapservice.StateConfirmed))
			Expect(confirmed.Targets).To(ConsistOf(models.EntityID("I42")))

			items, err = svc.ReadItems(ctx, s1.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].ID).To(Equal(models.EntityID("I42")))
			Expect(provisionalCount(items)).To(Equal(0))

			Expect(queue.Len()).To(Equal(0))
			Expect(checker.Maps()).To(Equal([]string{"m1"}))
			Expect(cache.invalidations).To(Equal(1))
		})

		It("settles the create when the broadcast beats the writer's answer", func() {
			caller.respond = func(gateway.OperationDefine, any) (gateway.Result, error) {
				return gateway.Result{JSON: safejson.RawMessage(`{"id":"I42"}`), StatusCode: 200}, nil
			}

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.CreateItem(ctx, s1.Token(), models.Item{Name: "well", Geometry: point(1, 1)})
			Expect(err).NotTo(HaveOccurred())

			reader.put(models.Item{ID: "I42", MapRef: ref, Name: "well", Geometry: point(1, 1)})

			result, err := svc.Confirm(ctx, mapservice.Broadcast{Operation: mapservice.BroadcastInsert, Targets: []models.EntityID{"I42"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Settled).To(Equal(0))
			Expect(result.Maps).To(ConsistOf(ref))

			release()
			Expect(svc.Wait(ctx)).To(Succeed())

			pruned, err := queue.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(1))
			Expect(queue.Len()).To(BeZero())
		})

		It("keeps provisional items private to the issuing session", func() {
			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())
			s2, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.CreateItem(ctx, s1.Token(), models.Item{Name: "well", Geometry: point(1, 1)})
			Expect(err).NotTo(HaveOccurred())

			items, err := svc.ReadItems(ctx, s2.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Context("optimistic create then gateway failure", func() {
		It("removes the provisional item and publishes a compensating event", func() {
			removed := listen(mapservice.EventItemRemoved)
			caller.respond = func(op gateway.OperationDefine, _ any) (gateway.Result, error) {
				return gateway.Result{}, gateway.NewError(op.URI, 500, errors.New("writer rejected the item"))
			}

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			processID, err := svc.CreateItem(ctx, s1.Token(), models.Item{Name: "well", Geometry: point(1, 1)})
			Expect(err).NotTo(HaveOccurred())

			release()
			Expect(svc.Wait(ctx)).To(Succeed())

			ev := receiveEvent(removed)
			Expect(ev.State).To(Equal(mapservice.StateRejected))
			Expect(ev.Targets).To(ConsistOf(models.EntityID(processID)))

			Expect(s1.Overlay().Len()).To(Equal(0))

			items, err := svc.ReadItems(ctx, s1.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())

			records := queue.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(txqueue.StatusFailed))
		})

		It("leaves the record pending when the call timed out", func() {
			caller.respond = func(op gateway.OperationDefine, _ any) (gateway.Result, error) {
				return gateway.Result{}, gateway.NewError(op.URI, 0, context.DeadlineExceeded)
			}

			reader.put(models.Item{ID: "I7", MapRef: ref, Name: "old", Geometry: point(2, 2)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			name := "new"
			_, err = svc.UpdateItem(ctx, s1.Token(), "I7", models.Patch{Name: &name})
			Expect(err).NotTo(HaveOccurred())

			release()
			Expect(svc.Wait(ctx)).To(Succeed())

			Expect(s1.Overlay().Len()).To(Equal(0))
			Expect(queue.PendingFor("I7")).To(HaveLen(1))
		})

		It("leaves the record pending when shutdown cancels the call", func() {
			removed := listen(mapservice.EventItemRemoved)
			reader.put(models.Item{ID: "I7", MapRef: ref, Name: "old", Geometry: point(2, 2)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			name := "new"
			_, err = svc.UpdateItem(ctx, s1.Token(), "I7", models.Patch{Name: &name})
			Expect(err).NotTo(HaveOccurred())

			shutdown, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			Expect(svc.Close(shutdown)).To(MatchError(context.DeadlineExceeded))
			Expect(svc.Wait(ctx)).To(Succeed())

			Expect(receiveEvent(removed).State).To(Equal(mapservice.StateRejected))
			Expect(s1.Overlay().Len()).To(Equal(0))

			pending := queue.PendingFor("I7")
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].Operation).To(Equal(models.OperationUpdate))
		})
	})

	Context("concurrent reconciliation", func() {
		It("hides an item another session moved out of the area, before and after confirmation", func() {
			reader.put(models.Item{ID: "I7", MapRef: ref, Name: "pump", Geometry: point(5, 5)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())
			s2, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			outside := point(50, 50)
			_, err = svc.UpdateItem(ctx, s1.Token(), "I7", models.Patch{Geometry: &outside})
			Expect(err).NotTo(HaveOccurred())

			items, err := svc.ReadItems(ctx, s2.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())

			release()
			Expect(svc.Wait(ctx)).To(Succeed())

			reader.put(models.Item{ID: "I7", MapRef: ref, Name: "pump", Geometry: outside})

			_, err = svc.Confirm(ctx, mapservice.Broadcast{Operation: mapservice.BroadcastUpdate, Targets: []models.EntityID{"I7"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.Len()).To(Equal(0))

			items, err = svc.ReadItems(ctx, s2.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})

		It("keeps a pending delete when an update of the same item is confirmed", func() {
			reader.put(models.Item{ID: "I9", MapRef: ref, Name: "pump", Geometry: point(5, 5)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.DeleteItem(ctx, s1.Token(), "I9")
			Expect(err).NotTo(HaveOccurred())

			result, err := svc.Confirm(ctx, mapservice.Broadcast{Operation: mapservice.BroadcastUpdate, Targets: []models.EntityID{"I9"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Settled).To(BeZero())

			items, err := svc.ReadItems(ctx, s1.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})

		It("applies pending renames to other sessions' reads", func() {
			reader.put(models.Item{ID: "I8", MapRef: ref, Name: "pump", Geometry: point(5, 5)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())
			s2, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			name := "valve"
			_, err = svc.UpdateItem(ctx, s1.Token(), "I8", models.Patch{Name: &name})
			Expect(err).NotTo(HaveOccurred())

			items, err := svc.ReadItems(ctx, s2.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Name).To(Equal("valve"))
			Expect(items[0].Provisional).To(BeFalse())
		})

		It("hides pending deletes from every session", func() {
			reader.put(models.Item{ID: "I9", MapRef: ref, Name: "pump", Geometry: point(5, 5)})

			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.DeleteItem(ctx, s1.Token(), "I9")
			Expect(err).NotTo(HaveOccurred())

			items, err := svc.ReadItems(ctx, s1.Token(), area)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())

			_, err = svc.UpdateItem(ctx, s1.Token(), "I9", models.Patch{})
			Expect(errors.Is(err, mapservice.ErrItemNotFound)).To(BeTrue())
		})
	})

	Describe("Confirm", func() {
		It("rejects unknown operations", func() {
			_, err := svc.Confirm(ctx, mapservice.Broadcast{Operation: "upsert", Targets: []models.EntityID{"x"}})
			Expect(errors.Is(err, mapservice.ErrInvalidBroadcast)).To(BeTrue())
		})

		It("publishes commits that bypassed this service", func() {
			updates := listen(mapservice.EventItemUpdate)
			reader.put(models.Item{ID: "X1", MapRef: ref, Name: "tank", Geometry: point(1, 1)})

			result, err := svc.Confirm(ctx, mapservice.Broadcast{Operation: mapservice.BroadcastUpdate, Targets: []models.EntityID{"X1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Settled).To(Equal(0))

			ev := receiveEvent(updates)
			Expect(ev.State).To(Equal(mapservice.StateConfirmed))
			Expect(ev.Targets).To(ConsistOf(models.EntityID("X1")))
		})
	})

	Describe("sessions", func() {
		It("rejects unknown tokens", func() {
			_, err := svc.ReadItems(ctx, "0123456789abcdef0123456789abcdef", area)
			Expect(session.IsSessionError(err)).To(BeTrue())
		})

		It("switches the session map on a read of another map", func() {
			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			virtual := models.MapRef{ID: "m1", Variant: models.VariantVirtual}
			q := area
			q.MapRef = virtual

			_, err = svc.ReadItems(ctx, s1.Token(), q)
			Expect(err).NotTo(HaveOccurred())
			Expect(s1.CurrentMap()).To(Equal(virtual))
		})

		It("refuses writes after Close", func() {
			s1, err := sessions.Create(ctx, ref)
			Expect(err).NotTo(HaveOccurred())

			release()
			Expect(svc.Close(ctx)).To(Succeed())

			_, err = svc.CreateItem(ctx, s1.Token(), models.Item{Name: "late", Geometry: point(1, 1)})
			Expect(errors.Is(err, mapservice.ErrClosed)).To(BeTrue())
			Expect(caller.Calls()).To(Equal(0))
		})
	})
})
