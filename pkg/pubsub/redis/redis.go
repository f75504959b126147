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

// Package redis implements the notification broker on a single Redis pub/sub channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
)

// Broker publishes every envelope on one channel, which keeps a total order per publisher.
type Broker struct {
	client  redis.UniversalClient
	sub     *redis.PubSub
	log     *zap.SugaredLogger
	channel string
	wg      sync.WaitGroup
}

func New(client redis.UniversalClient, channel string) (*Broker, error) {
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}

	return &Broker{
		client:  client,
		log:     logger.For(logger.ComponentRedisBroker),
		channel: channel,
	}, nil
}

func (b *Broker) Name() string { return "redis" }

// Send ignores key; a single channel already preserves order.
func (b *Broker) Send(ctx context.Context, _ []byte, data []byte) error {
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", b.channel, err)
	}

	return nil
}

func (b *Broker) Subscribe(ctx context.Context, handler func(data []byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)

	// wait for the subscription confirmation so nothing published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to redis channel %s: %w", b.channel, err)
	}

	b.sub = sub

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		ch := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	b.log.Infof("Subscribed to redis channel %s", b.channel)

	return nil
}

// Close stops the subscription. The client is owned by the caller.
func (b *Broker) Close() error {
	var err error
	if b.sub != nil {
		err = b.sub.Close()
	}

	b.wg.Wait()

	return err
}

func (b *Broker) Healthy() error {
	return b.client.Ping(context.Background()).Err()
}
