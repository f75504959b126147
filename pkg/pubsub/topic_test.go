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

package pubsub_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
)

var _ = Describe("CanonicalTopic", func() {
	It("is the bare event name without arguments", func() {
		topic, err := pubsub.CanonicalTopic("categoryUpdate", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(topic).To(Equal("categoryUpdate"))

		topic, err = pubsub.CanonicalTopic("categoryUpdate", map[string]any{})
		Expect(err).NotTo(HaveOccurred())
		Expect(topic).To(Equal("categoryUpdate"))
	})

	It("is invariant under key permutation at every depth", func() {
		a := map[string]any{
			"variant": "real",
			"mapId":   "m1",
			"filter":  map[string]any{"zeta": 1, "Alpha": []any{map[string]any{"b": 1, "A": 2}}},
		}
		b := map[string]any{
			"filter":  map[string]any{"Alpha": []any{map[string]any{"A": 2, "b": 1}}, "zeta": 1},
			"mapId":   "m1",
			"variant": "real",
		}

		ta, err := pubsub.CanonicalTopic("itemInsert", a)
		Expect(err).NotTo(HaveOccurred())
		tb, err := pubsub.CanonicalTopic("itemInsert", b)
		Expect(err).NotTo(HaveOccurred())

		Expect(ta).To(Equal(tb))
		Expect(ta).To(Equal(`itemInsert:{"filter":{"Alpha":[{"A":2,"b":1}],"zeta":1},"mapId":"m1","variant":"real"}`))
	})

	It("orders keys case-insensitively with the exact key as tie break", func() {
		topic, err := pubsub.CanonicalTopic("e", map[string]any{"b": 1, "B": 2, "a": 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(topic).To(Equal(`e:{"a":3,"B":2,"b":1}`))
	})

	It("reduces struct arguments to their JSON form", func() {
		type ref struct {
			MapID   string `json:"mapId"`
			Variant string `json:"variant"`
		}

		nested, err := pubsub.CanonicalTopic("e", map[string]any{"ref": ref{MapID: "m", Variant: "real"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(nested).To(Equal(`e:{"ref":{"mapId":"m","variant":"real"}}`))
	})

	It("rejects unserializable arguments", func() {
		_, err := pubsub.CanonicalTopic("e", map[string]any{"ch": make(chan int)})
		Expect(err).To(MatchError(pubsub.ErrUnserializable))
	})
})
