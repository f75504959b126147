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

package pubsub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

// Hub is the subscription registry in front of one Transport.
type Hub struct {
	registry  *registry
	transport Transport
	log       *zap.SugaredLogger
}

func NewHub(transport Transport) *Hub {
	return &Hub{
		registry:  newRegistry(),
		transport: transport,
		log:       logger.For(logger.ComponentPubSub),
	}
}

// Start binds the hub to its transport.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.transport.Start(ctx, h.deliver); err != nil {
		return err
	}

	h.log.Infof("Notification hub started on %s transport", h.transport.Name())

	return nil
}

func (h *Hub) Close() error {
	return h.transport.Close()
}

func (h *Hub) Healthy() error {
	return h.transport.Healthy()
}

// Subscribe registers l for the topic of event and args.
func (h *Hub) Subscribe(event string, args map[string]any, l Listener) (Handle, error) {
	topic, err := CanonicalTopic(event, args)
	if err != nil {
		return Handle{}, err
	}

	return h.registry.add(topic, l), nil
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
func (h *Hub) Unsubscribe(handle Handle) {
	h.registry.remove(handle)
}

// Publish sends payload to every listener of the topic of event and args.
// With no listeners on the direct transport this is a no-op.
func (h *Hub) Publish(ctx context.Context, event string, args map[string]any, payload any) error {
	topic, err := CanonicalTopic(event, args)
	if err != nil {
		return err
	}

	encoded, err := safejson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	n := Notification{Topic: topic, Event: event, Args: args, Payload: encoded}

	if err := h.transport.Publish(ctx, n); err != nil {
		return err
	}

	metrics.IncNotificationsPublished(h.transport.Name(), event)

	return nil
}

func (h *Hub) deliver(n Notification) {
	for _, l := range h.registry.listeners(n.Topic) {
		l.Deliver(n)
	}
}

func (h *Hub) TopicCount() int {
	return h.registry.topicCount()
}

func (h *Hub) ListenerCount(topic string) int {
	return h.registry.listenerCount(topic)
}
