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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/config"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub/kafka"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub/mqtt"
	redisbroker "github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub/redis"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/service/filesystem"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
)

// setupRedis returns a client when any component is configured to use redis, nil otherwise.
func setupRedis(cfg config.Config, health healthcheck.Handler) redis.UniversalClient {
	if cfg.Session.SnapshotBackend != config.SnapshotBackendRedis && cfg.PubSub.Transport != config.TransportRedis {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	health.AddReadinessCheck("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return client.Ping(ctx).Err()
	})

	return client
}

func setupSnapshots(cfg config.Config, fs filesystem.Service, client redis.UniversalClient) (session.SnapshotStore, error) {
	switch cfg.Session.SnapshotBackend {
	case config.SnapshotBackendFile:
		return session.NewFileSnapshotStore(fs, cfg.Session.SnapshotPath), nil
	case config.SnapshotBackendRedis:
		return session.NewRedisSnapshotStore(client, cfg.Session.SnapshotKey), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Session.SnapshotBackend)
	}
}

func setupTransport(cfg config.Config, client redis.UniversalClient) (pubsub.Transport, error) {
	var (
		broker pubsub.Broker
		err    error
	)

	switch cfg.PubSub.Transport {
	case config.TransportDirect:
		return pubsub.NewDirectTransport(), nil
	case config.TransportKafka:
		broker, err = kafka.New(kafka.Config{
			Brokers: cfg.PubSub.Kafka.Brokers,
			Topic:   cfg.PubSub.Kafka.Topic,
		})
	case config.TransportMQTT:
		broker, err = mqtt.New(mqtt.Config{
			BrokerURL:   cfg.PubSub.MQTT.BrokerURL,
			TopicPrefix: cfg.PubSub.MQTT.TopicPrefix,
			Username:    cfg.PubSub.MQTT.Username,
			Password:    cfg.PubSub.MQTT.Password,
		})
	case config.TransportRedis:
		broker, err = redisbroker.New(client, cfg.PubSub.RedisChannel)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.PubSub.Transport)
	}

	if err != nil {
		return nil, err
	}

	return pubsub.NewBrokerTransport(broker, cfg.PubSub.DedupSize)
}
