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

package session_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
)

var _ = Describe("Overlay", func() {
	var (
		overlay *session.Overlay
		mapB    = models.MapRef{ID: "b", Variant: models.VariantReal}
	)

	BeforeEach(func() {
		store := session.NewStore(&recordingStore{}, session.Options{TTL: time.Hour})
		sess, err := store.Create(context.Background(), mapA)
		Expect(err).NotTo(HaveOccurred())
		overlay = sess.Overlay()
	})

	It("shows a pending create to the session's own reads", func() {
		pid, err := overlay.AddPendingCreate(mapA, models.Item{Name: "well"})
		Expect(err).NotTo(HaveOccurred())

		authoritative := []models.Item{{ID: "x", Name: "existing", MapRef: mapA}}
		merged := overlay.MergeInto(authoritative, mapA)

		Expect(merged).To(HaveLen(2))
		Expect(merged[0]).To(Equal(authoritative[0]))
		Expect(merged[1].Provisional).To(BeTrue())
		Expect(merged[1].ProcessID).To(Equal(pid))
		Expect(merged[1].ID).To(Equal(models.EntityID(pid)))
		Expect(merged[1].Name).To(Equal("well"))

		Expect(overlay.MergeInto(nil, mapB)).To(BeEmpty())
	})

	It("applies the patch for pending updates", func() {
		name := "renamed"
		current := models.Item{ID: "x", Name: "old", Attributes: map[string]any{"k": 1}}

		_, err := overlay.AddPendingUpdate(mapA, current, models.Patch{Name: &name})
		Expect(err).NotTo(HaveOccurred())

		merged := overlay.MergeInto(nil, mapA)
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].ID).To(Equal(models.EntityID("x")))
		Expect(merged[0].Name).To(Equal("renamed"))
		Expect(merged[0].Attributes).To(HaveKeyWithValue("k", 1))
	})

	It("never lets callers mutate the stored entries", func() {
		_, _ = overlay.AddPendingCreate(mapA, models.Item{Attributes: map[string]any{"k": "v"}})

		first := overlay.MergeInto(nil, mapA)
		first[0].Attributes["k"] = "changed"
		first[0].Name = "changed"

		second := overlay.MergeInto(nil, mapA)
		Expect(second[0].Attributes["k"]).To(Equal("v"))
		Expect(second[0].Name).To(BeEmpty())
	})

	It("treats Remove as idempotent", func() {
		pid, _ := overlay.AddPendingCreate(mapA, models.Item{})
		other, _ := overlay.AddPendingCreate(mapA, models.Item{})

		overlay.Remove(pid)
		overlay.Remove(pid)
		overlay.Remove("never-existed")

		Expect(overlay.Len()).To(Equal(1))
		Expect(overlay.Entries()[0].ProcessID).To(Equal(other))
	})
	It("draws a new process id while the generated one is in use", func() {
		ids := []string{"p1", "p1", "p1", "p2"}
		session.SetOverlayIDSource(overlay, func() string {
			next := ids[0]
			ids = ids[1:]
			return next
		})

		first, err := overlay.AddPendingCreate(mapA, models.Item{Name: "a"})
		Expect(err).NotTo(HaveOccurred())
		second, err := overlay.AddPendingUpdate(mapA, models.Item{ID: "x"}, models.Patch{})
		Expect(err).NotTo(HaveOccurred())

		Expect(first).To(Equal("p1"))
		Expect(second).To(Equal("p2"))
		Expect(overlay.Len()).To(Equal(2))

		entries := overlay.Entries()
		Expect(entries[0].ProvisionalID).To(Equal(models.EntityID("p1")))
		Expect(entries[0].Item.ID).To(Equal(models.EntityID("p1")))
		Expect(entries[1].ProvisionalID).To(BeEmpty())
	})
})
