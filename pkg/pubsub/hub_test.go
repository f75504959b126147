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
	"context"
	"strconv"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
)

var mapArgs = map[string]any{"mapId": "m1", "variant": "real"}

var _ = Describe("Hub on the direct transport", func() {
	var (
		hub *pubsub.Hub
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		hub = pubsub.NewHub(pubsub.NewDirectTransport())
		Expect(hub.Start(ctx)).To(Succeed())
	})

	It("delivers to every listener of the topic, whatever the key order", func() {
		first := pubsub.NewChanListener(4)
		second := pubsub.NewChanListener(4)

		_, err := hub.Subscribe("itemInsert", mapArgs, first)
		Expect(err).NotTo(HaveOccurred())
		_, err = hub.Subscribe("itemInsert", map[string]any{"variant": "real", "mapId": "m1"}, second)
		Expect(err).NotTo(HaveOccurred())
		Expect(hub.TopicCount()).To(Equal(1))

		Expect(hub.Publish(ctx, "itemInsert", mapArgs, map[string]any{"id": "x"})).To(Succeed())

		for _, l := range []*pubsub.ChanListener{first, second} {
			var n pubsub.Notification
			Expect(l.C()).To(Receive(&n))
			Expect(n.Event).To(Equal("itemInsert"))
			Expect(string(n.Payload)).To(MatchJSON(`{"id":"x"}`))
		}
	})

	It("does not deliver to other topics", func() {
		l := pubsub.NewChanListener(1)
		_, _ = hub.Subscribe("itemInsert", map[string]any{"mapId": "other", "variant": "real"}, l)

		Expect(hub.Publish(ctx, "itemInsert", mapArgs, true)).To(Succeed())
		Consistently(l.C()).ShouldNot(Receive())
	})

	It("keeps state stable across many publishes without listeners", func() {
		for range 10_000 {
			Expect(hub.Publish(ctx, "itemUpdate", mapArgs, map[string]any{"n": 1})).To(Succeed())
		}

		topic, _ := pubsub.CanonicalTopic("itemUpdate", mapArgs)
		Expect(hub.TopicCount()).To(BeZero())
		Expect(hub.ListenerCount(topic)).To(BeZero())
	})

	It("removes a topic with its last listener", func() {
		a, _ := hub.Subscribe("e", nil, pubsub.NewChanListener(1))
		b, _ := hub.Subscribe("e", nil, pubsub.NewChanListener(1))
		Expect(hub.ListenerCount("e")).To(Equal(2))

		hub.Unsubscribe(a)
		Expect(hub.TopicCount()).To(Equal(1))

		hub.Unsubscribe(b)
		hub.Unsubscribe(b)
		Expect(hub.TopicCount()).To(BeZero())
	})

	It("returns ErrUnserializable at the call site", func() {
		_, err := hub.Subscribe("e", map[string]any{"f": func() {}}, pubsub.NewChanListener(1))
		Expect(err).To(MatchError(pubsub.ErrUnserializable))

		Expect(hub.Publish(ctx, "e", nil, make(chan int))).To(MatchError(pubsub.ErrUnserializable))
		Expect(hub.TopicCount()).To(BeZero())
	})

	It("never blocks the publisher on a full listener", func() {
		l := pubsub.NewChanListener(1)
		_, _ = hub.Subscribe("e", nil, l)

		for range 5 {
			Expect(hub.Publish(ctx, "e", nil, 1)).To(Succeed())
		}
		Expect(l.C()).To(HaveLen(1))
	})
})

// memoryBroker fans every send out to all subscribers in order, like a single partition.
type memoryBroker struct {
	handlers []func([]byte)
	sent     int
	mu       sync.Mutex
}

func (m *memoryBroker) Name() string { return "memory" }

func (m *memoryBroker) Send(_ context.Context, _ []byte, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent++
	for _, h := range m.handlers {
		h(data)
	}

	return nil
}

func (m *memoryBroker) Subscribe(_ context.Context, h func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, h)

	return nil
}

func (m *memoryBroker) Close() error   { return nil }
func (m *memoryBroker) Healthy() error { return nil }

var _ = Describe("Hub on a broker transport", func() {
	var (
		broker *memoryBroker
		hubA   *pubsub.Hub
		hubB   *pubsub.Hub
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		broker = &memoryBroker{}

		ta, err := pubsub.NewBrokerTransport(broker, 100)
		Expect(err).NotTo(HaveOccurred())
		tb, err := pubsub.NewBrokerTransport(broker, 100)
		Expect(err).NotTo(HaveOccurred())

		hubA = pubsub.NewHub(ta)
		hubB = pubsub.NewHub(tb)
		Expect(hubA.Start(ctx)).To(Succeed())
		Expect(hubB.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Expect(hubA.Close()).To(Succeed())
		Expect(hubB.Close()).To(Succeed())
	})

	It("delivers one process's publishes to another in publish order", func() {
		l := pubsub.NewChanListener(100)
		_, err := hubB.Subscribe("itemUpdate", mapArgs, l)
		Expect(err).NotTo(HaveOccurred())

		for i := range 50 {
			Expect(hubA.Publish(ctx, "itemUpdate", mapArgs, i)).To(Succeed())
		}

		for i := range 50 {
			var n pubsub.Notification
			Eventually(l.C()).Should(Receive(&n))
			Expect(string(n.Payload)).To(Equal(strconv.Itoa(i)))
		}
	})

	It("drops envelopes it has already delivered", func() {
		l := pubsub.NewChanListener(10)
		_, _ = hubB.Subscribe("e", nil, l)

		data, err := pubsub.EncodeEnvelope(pubsub.Envelope{ID: "dup", Origin: "x", Topic: "e", Event: "e", Payload: []byte("1")})
		Expect(err).NotTo(HaveOccurred())

		Expect(broker.Send(ctx, nil, data)).To(Succeed())
		Expect(broker.Send(ctx, nil, data)).To(Succeed())

		Eventually(l.C()).Should(Receive())
		Consistently(l.C()).ShouldNot(Receive())
	})

	It("ignores undecodable envelopes", func() {
		l := pubsub.NewChanListener(10)
		_, _ = hubB.Subscribe("e", nil, l)

		Expect(broker.Send(ctx, nil, []byte("{"))).To(Succeed())
		Expect(hubA.Publish(ctx, "e", nil, 1)).To(Succeed())

		Eventually(l.C()).Should(Receive())
	})
})
