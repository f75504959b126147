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
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
)

// Handle identifies one subscription.
type Handle struct {
	ID    string
	Topic string
}

// registry maps topics to their listeners. A topic exists only while it has at least one listener.
type registry struct {
	topics map[string]map[string]Listener
	mu     sync.RWMutex
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]map[string]Listener)}
}

func (r *registry) add(topic string, l Listener) Handle {
	h := Handle{ID: uuid.NewString(), Topic: topic}

	r.mu.Lock()
	listeners, ok := r.topics[topic]
	if !ok {
		listeners = make(map[string]Listener)
		r.topics[topic] = listeners
	}
	listeners[h.ID] = l
	count := len(r.topics)
	r.mu.Unlock()

	metrics.SetTopicsActive(count)

	return h
}

func (r *registry) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.topics[h.Topic]
	if !ok {
		return false
	}

	if _, ok := listeners[h.ID]; !ok {
		return false
	}

	delete(listeners, h.ID)

	if len(listeners) == 0 {
		delete(r.topics, h.Topic)
	}

	metrics.SetTopicsActive(len(r.topics))

	return true
}

// listeners returns a copy so delivery happens without the lock.
func (r *registry) listeners(topic string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	listeners := r.topics[topic]
	if len(listeners) == 0 {
		return nil
	}

	out := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, l)
	}

	return out
}

func (r *registry) topicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.topics)
}

func (r *registry) listenerCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.topics[topic])
}
