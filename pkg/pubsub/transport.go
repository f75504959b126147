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
)

// DeliverFunc hands a notification to the local listeners of its topic.
type DeliverFunc func(n Notification)

// Transport moves published notifications to the processes that hold listeners.
type Transport interface {
	Name() string
	// Start binds deliver and begins receiving. It is called once before Publish.
	Start(ctx context.Context, deliver DeliverFunc) error
	Publish(ctx context.Context, n Notification) error
	Close() error
	// Healthy reports whether the transport can currently publish.
	Healthy() error
}

// DirectTransport delivers in process and synchronously.
type DirectTransport struct {
	deliver DeliverFunc
}

func NewDirectTransport() *DirectTransport {
	return &DirectTransport{}
}

func (d *DirectTransport) Name() string { return "direct" }

func (d *DirectTransport) Start(_ context.Context, deliver DeliverFunc) error {
	d.deliver = deliver
	return nil
}

func (d *DirectTransport) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d.deliver != nil {
		d.deliver(n)
	}

	return nil
}

func (d *DirectTransport) Close() error { return nil }

func (d *DirectTransport) Healthy() error { return nil }
