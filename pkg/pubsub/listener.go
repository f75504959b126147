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
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

// Notification is what listeners receive.
type Notification struct {
	Topic   string              `json:"topic"`
	Event   string              `json:"event"`
	Args    map[string]any      `json:"args,omitempty"`
	Payload safejson.RawMessage `json:"payload,omitempty"`
}

// Listener receives notifications for the topics it subscribed to.
// Deliver must not block; it returns false when the notification was dropped.
type Listener interface {
	Deliver(n Notification) bool
}

// ChanListener buffers notifications in a channel and drops them when the buffer is full.
type ChanListener struct {
	ch chan Notification
}

func NewChanListener(size int) *ChanListener {
	if size <= 0 {
		size = 1
	}

	return &ChanListener{ch: make(chan Notification, size)}
}

func (c *ChanListener) Deliver(n Notification) bool {
	select {
	case c.ch <- n:
		return true
	default:
		metrics.IncNotificationsDropped("listener_full")
		return false
	}
}

// C returns the receive side. It is never closed.
func (c *ChanListener) C() <-chan Notification {
	return c.ch
}

// ListenerFunc adapts a non-blocking function to a Listener.
type ListenerFunc func(n Notification) bool

func (f ListenerFunc) Deliver(n Notification) bool {
	return f(n)
}
