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

// Package mqtt implements the notification broker on an MQTT topic tree.
package mqtt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
)

const (
	qos            = 1
	publishTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("mqtt broker not connected")

type Config struct {
	BrokerURL   string
	TopicPrefix string
	Username    string
	Password    string
}

type Broker struct {
	client  MQTT.Client
	handler func(data []byte)
	log     *zap.SugaredLogger
	prefix  string
	mu      sync.Mutex
}

// New connects to the broker. Delivery callbacks run one at a time in arrival order.
func New(cfg Config) (*Broker, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}

	b := &Broker{
		log:    logger.For(logger.ComponentMQTTBroker),
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID("mapsync-" + uuid.NewString()[:8])

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}

	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(func(client MQTT.Client) {
		b.log.Infof("Connected to MQTT broker %s", cfg.BrokerURL)
		b.resubscribe()
	})
	opts.SetConnectionLostHandler(func(client MQTT.Client, err error) {
		b.log.Warnf("Connection lost to MQTT broker %s: %v", cfg.BrokerURL, err)
	})

	b.client = MQTT.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	return b, nil
}

func (b *Broker) Name() string { return "mqtt" }

// TopicFor maps a partition key to its MQTT topic below the prefix.
func (b *Broker) TopicFor(key []byte) string {
	return TopicFor(b.prefix, key)
}

func TopicFor(prefix string, key []byte) string {
	if len(key) == 0 {
		return prefix + "/_"
	}

	return prefix + "/" + hex.EncodeToString(key)
}

func (b *Broker) Send(ctx context.Context, key []byte, data []byte) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := b.client.Publish(b.TopicFor(key), qos, false, data)

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("mqtt publish timed out after %s", publishTimeout)
	}
}

func (b *Broker) Subscribe(ctx context.Context, handler func(data []byte)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	token := b.client.Subscribe(b.prefix+"/#", qos, b.onMessage)

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) onMessage(_ MQTT.Client, msg MQTT.Message) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()

	if handler != nil {
		handler(msg.Payload())
	}
}

func (b *Broker) resubscribe() {
	b.mu.Lock()
	subscribed := b.handler != nil
	b.mu.Unlock()

	if !subscribed {
		return
	}

	if token := b.client.Subscribe(b.prefix+"/#", qos, b.onMessage); token.Wait() && token.Error() != nil {
		b.log.Errorf("Failed to resubscribe after reconnect: %v", token.Error())
	}
}

func (b *Broker) Close() error {
	b.client.Disconnect(250)
	return nil
}

func (b *Broker) Healthy() error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	return nil
}
