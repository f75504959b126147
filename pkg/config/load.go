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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/service/filesystem"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the YAML file at path on top of the defaults and then applies MAPSYNC_* environment overrides.
//
// Order of precedence (highest to lowest):
// 1. Environment variables
// 2. Config file values
// 3. Default values
//
// A missing file is not an error. The result is validated before it is returned.
func Load(ctx context.Context, fs filesystem.Service, path string, log *zap.SugaredLogger) (Config, error) {
	cfg := Default()

	data, err := fs.ReadFile(ctx, path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Infof("No config file at %s, using defaults", path)
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg, log)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides uses the current value as fallback, so unset variables keep the file value.
// Malformed values are reported and ignored.
func applyEnvOverrides(cfg *Config, log *zap.SugaredLogger) {
	str := func(key string, target *string) {
		v, err := env.GetAsString(key, false, *target)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %v", key, err)
			return
		}
		*target = v
	}
	integer := func(key string, target *int) {
		v, err := env.GetAsInt(key, false, *target)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %v", key, err)
			return
		}
		*target = v
	}
	boolean := func(key string, target *bool) {
		v, err := env.GetAsBool(key, false, *target)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %v", key, err)
			return
		}
		*target = v
	}
	duration := func(key string, target *time.Duration) {
		v, err := env.GetAsString(key, false, "")
		if err != nil || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to parse %s as duration: %v", key, err)
			return
		}
		*target = d
	}

	str("MAPSYNC_LISTEN_ADDR", &cfg.Server.ListenAddr)
	integer("MAPSYNC_METRICS_PORT", &cfg.Server.MetricsPort)
	integer("MAPSYNC_HEALTH_PORT", &cfg.Server.HealthPort)
	str("MAPSYNC_INTERNAL_TOKEN", &cfg.Server.InternalToken)

	duration("MAPSYNC_SESSION_TTL", &cfg.Session.TTL)
	duration("MAPSYNC_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval)
	str("MAPSYNC_SESSION_SNAPSHOT_BACKEND", &cfg.Session.SnapshotBackend)
	str("MAPSYNC_SESSION_SNAPSHOT_PATH", &cfg.Session.SnapshotPath)

	str("MAPSYNC_QUEUE_PATH", &cfg.Queue.Path)
	duration("MAPSYNC_QUEUE_STALE_AFTER", &cfg.Queue.StaleAfter)

	str("MAPSYNC_GATEWAY_URL", &cfg.Gateway.BaseURL)
	duration("MAPSYNC_GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	boolean("MAPSYNC_GATEWAY_INSECURE_TLS", &cfg.Gateway.InsecureTLS)
	str("MAPSYNC_GATEWAY_TOKEN", &cfg.Gateway.Token)

	str("MAPSYNC_PUBSUB_TRANSPORT", &cfg.PubSub.Transport)

	brokers := strings.Join(cfg.PubSub.Kafka.Brokers, ",")
	str("MAPSYNC_KAFKA_BROKERS", &brokers)
	cfg.PubSub.Kafka.Brokers = splitList(brokers)
	str("MAPSYNC_KAFKA_TOPIC", &cfg.PubSub.Kafka.Topic)

	str("MAPSYNC_MQTT_BROKER_URL", &cfg.PubSub.MQTT.BrokerURL)
	str("MAPSYNC_MQTT_USERNAME", &cfg.PubSub.MQTT.Username)
	str("MAPSYNC_MQTT_PASSWORD", &cfg.PubSub.MQTT.Password)

	str("MAPSYNC_REDIS_ADDR", &cfg.Redis.Addr)
	str("MAPSYNC_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("MAPSYNC_REDIS_DB", &cfg.Redis.DB)

	str("MAPSYNC_POSTGRES_URL", &cfg.ReadStore.PostgresURL)
	duration("MAPSYNC_READ_CACHE_TTL", &cfg.ReadStore.CacheTTL)

	duration("MAPSYNC_DETECTOR_POLL_INTERVAL", &cfg.Detector.PollInterval)

	str("MAPSYNC_SENTRY_DSN", &cfg.SentryDSN)
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// Validate rejects combinations the process cannot start with.
func (c Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("%w: gateway.baseURL is required", ErrInvalidConfig)
	}

	if c.Gateway.CreateURI == "" || c.Gateway.UpdateURI == "" || c.Gateway.DeleteURI == "" {
		return fmt.Errorf("%w: gateway needs create, update and delete URIs", ErrInvalidConfig)
	}

	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("%w: gateway.timeout must be positive", ErrInvalidConfig)
	}

	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("%w: session.ttl and session.sweepInterval must be positive", ErrInvalidConfig)
	}

	switch c.Session.SnapshotBackend {
	case SnapshotBackendFile:
		if c.Session.SnapshotPath == "" {
			return fmt.Errorf("%w: session.snapshotPath is required for the file backend", ErrInvalidConfig)
		}
	case SnapshotBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required for the redis snapshot backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session.snapshotBackend %q", ErrInvalidConfig, c.Session.SnapshotBackend)
	}

	if c.Queue.Path == "" {
		return fmt.Errorf("%w: queue.path is required", ErrInvalidConfig)
	}

	switch c.PubSub.Transport {
	case TransportDirect:
	case TransportKafka:
		if len(c.PubSub.Kafka.Brokers) == 0 || c.PubSub.Kafka.Topic == "" {
			return fmt.Errorf("%w: pubsub.kafka needs brokers and a topic", ErrInvalidConfig)
		}
	case TransportMQTT:
		if c.PubSub.MQTT.BrokerURL == "" {
			return fmt.Errorf("%w: pubsub.mqtt.brokerURL is required", ErrInvalidConfig)
		}
	case TransportRedis:
		if c.Redis.Addr == "" || c.PubSub.RedisChannel == "" {
			return fmt.Errorf("%w: redis transport needs redis.addr and pubsub.redisChannel", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown pubsub.transport %q", ErrInvalidConfig, c.PubSub.Transport)
	}

	if c.ReadStore.PostgresURL == "" {
		return fmt.Errorf("%w: readstore.postgresURL is required", ErrInvalidConfig)
	}

	q := c.ReadStore.Queries
	if q.ItemsInArea == "" || q.ItemByID == "" || q.MapIDs == "" || q.Categories == "" {
		return fmt.Errorf("%w: all readstore.queries must be set", ErrInvalidConfig)
	}

	return nil
}
