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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/hash"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
)

// Broker is a message system that fans envelopes out to every process.
//
// Send must keep the order of messages with the same key. Subscribe registers
// the single handler that receives every message, including the process's own.
type Broker interface {
	Name() string
	Send(ctx context.Context, key []byte, data []byte) error
	Subscribe(ctx context.Context, handler func(data []byte)) error
	Close() error
	Healthy() error
}

const (
	DefaultDedupSize = 10_000
	inboxSize        = 1024
)

// BrokerTransport publishes through a Broker and delivers what it receives from a single goroutine,
// so per topic order on the broker is the order listeners observe.
type BrokerTransport struct {
	broker  Broker
	dedup   *lru.ARCCache
	inbox   chan []byte
	deliver DeliverFunc
	log     *zap.SugaredLogger
	cancel  context.CancelFunc
	origin  string
	wg      sync.WaitGroup
}

func NewBrokerTransport(broker Broker, dedupSize int) (*BrokerTransport, error) {
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}

	arc, err := lru.NewARC(dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &BrokerTransport{
		broker: broker,
		dedup:  arc,
		inbox:  make(chan []byte, inboxSize),
		log:    logger.For(logger.ComponentPubSub).With("broker", broker.Name()),
		origin: uuid.NewString(),
	}, nil
}

func (b *BrokerTransport) Name() string { return b.broker.Name() }

// Origin identifies this process in envelopes.
func (b *BrokerTransport) Origin() string { return b.origin }

func (b *BrokerTransport) Start(ctx context.Context, deliver DeliverFunc) error {
	b.deliver = deliver

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.broker.Subscribe(runCtx, b.enqueue(runCtx)); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", b.broker.Name(), err)
	}

	b.wg.Add(1)

	go b.consume(runCtx)

	return nil
}

// enqueue applies backpressure to the broker client instead of dropping.
func (b *BrokerTransport) enqueue(ctx context.Context) func([]byte) {
	return func(data []byte) {
		select {
		case b.inbox <- data:
		case <-ctx.Done():
		}
	}
}

func (b *BrokerTransport) consume(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.inbox:
			b.handle(data)
		}
	}
}

func (b *BrokerTransport) handle(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		metrics.IncNotificationsDropped("invalid_envelope")
		b.log.Warnf("Dropping undecodable envelope: %v", err)

		return
	}

	if b.dedup.Contains(env.ID) {
		metrics.IncNotificationsDropped("duplicate")
		return
	}

	b.dedup.Add(env.ID, struct{}{})

	metrics.IncNotificationsDelivered(b.broker.Name())

	if b.deliver != nil {
		b.deliver(env.Notification())
	}
}

func (b *BrokerTransport) Publish(ctx context.Context, n Notification) error {
	data, err := EncodeEnvelope(Envelope{
		ID:      uuid.NewString(),
		Origin:  b.origin,
		Topic:   n.Topic,
		Event:   n.Event,
		Args:    n.Args,
		Payload: n.Payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := b.broker.Send(ctx, hash.PartitionKey(n.Topic), data); err != nil {
		return fmt.Errorf("failed to send notification via %s: %w", b.broker.Name(), err)
	}

	return nil
}

func (b *BrokerTransport) Close() error {
	if b.cancel != nil {
		b.cancel()
	}

	b.wg.Wait()

	err := b.broker.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (b *BrokerTransport) Healthy() error {
	return b.broker.Healthy()
}
