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
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

var ErrInvalidEnvelope = errors.New("invalid notification envelope")

// Envelope is the broker wire format of a notification.
type Envelope struct {
	ID      string              `json:"id"`
	Origin  string              `json:"origin"`
	Topic   string              `json:"topic"`
	Event   string              `json:"event"`
	Args    map[string]any      `json:"args,omitempty"`
	Payload safejson.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time           `json:"sentAt"`
}

func (e Envelope) Notification() Notification {
	return Notification{Topic: e.Topic, Event: e.Event, Args: e.Args, Payload: e.Payload}
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := safejson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	return data, nil
}

// DecodeEnvelope rejects envelopes without id or topic.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := safejson.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if e.ID == "" || e.Topic == "" || e.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing id, topic or event", ErrInvalidEnvelope)
	}

	return e, nil
}
