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

// Package kafka implements the notification broker on a Kafka topic.
//
// Every process joins its own consumer group, so each one receives every
// envelope. Envelopes are keyed by the hash of their notification topic, which
// pins a notification topic to one partition and keeps its order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/producer"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
)

var ErrClosed = errors.New("kafka broker closed")

type Config struct {
	Brokers []string
	Topic   string
}

type Broker struct {
	producer *producer.Producer
	group    sarama.ConsumerGroup
	log      *zap.SugaredLogger
	cfg      Config
	groupID  string
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func New(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka broker needs brokers and a topic")
	}

	p, err := producer.NewProducer(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Broker{
		producer: p,
		log:      logger.For(logger.ComponentKafkaBroker),
		cfg:      cfg,
		groupID:  "mapsync-" + uuid.NewString(),
	}, nil
}

func (b *Broker) Name() string { return "kafka" }

func (b *Broker) Send(ctx context.Context, key []byte, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	b.producer.SendMessage(&shared.KafkaMessage{
		Topic: b.cfg.Topic,
		Key:   key,
		Value: data,
	})

	return nil
}

// Subscribe starts consuming from the newest offset; envelopes sent before the process started are not replayed.
func (b *Broker) Subscribe(ctx context.Context, handler func(data []byte)) error {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, b.groupID, config)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.group = group

	b.wg.Add(1)

	go b.consumeLoop(ctx, &groupHandler{handler: handler})

	b.log.Infof("Consuming %s as group %s", b.cfg.Topic, b.groupID)

	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, handler sarama.ConsumerGroupHandler) {
	defer b.wg.Done()

	retry := backoff.New(100*time.Millisecond, 2, 30*time.Second, backoff.PolicyExponential)

	for {
		// Consume returns on every rebalance and has to be called again
		err := b.group.Consume(ctx, []string{b.cfg.Topic}, handler)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			retry.Reset()
			continue
		}

		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}

		metrics.IncErrorCount(metrics.ComponentPubSub, b.Name())
		sentry.ReportIssuef(sentry.IssueTypeWarning, b.log, "[Broker.consumeLoop] consume failed, retrying: %v", err)

		if retry.Wait(ctx) != nil {
			return
		}
	}
}

func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	if b.group != nil {
		errs = append(errs, b.group.Close())
	}

	b.wg.Wait()

	errs = append(errs, b.producer.Close())

	return errors.Join(errs...)
}

// Healthy fails once the producer reported more errors than successful sends.
func (b *Broker) Healthy() error {
	if b.closed.Load() {
		return ErrClosed
	}

	produced, errored := b.producer.GetProducedMessages()
	if errored > 0 && errored >= produced {
		return fmt.Errorf("kafka producer failing: %d of %d messages errored", errored, produced)
	}

	return nil
}

type groupHandler struct {
	handler func(data []byte)
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			km := shared.FromConsumerMessage(msg)
			g.handler(km.Value)
			sess.MarkMessage(msg, "")
		}
	}
}
