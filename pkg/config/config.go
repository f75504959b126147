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
	"time"
)

const (
	// DefaultConfigPath is where the process looks for its configuration file.
	DefaultConfigPath = "/data/config.yaml"

	TransportDirect = "direct"
	TransportKafka  = "kafka"
	TransportMQTT   = "mqtt"
	TransportRedis  = "redis"

	SnapshotBackendFile  = "file"
	SnapshotBackendRedis = "redis"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Queue     QueueConfig     `yaml:"queue"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	ReadStore ReadStoreConfig `yaml:"readstore"`
	Detector  DetectorConfig  `yaml:"detector"`
	Redis     RedisConfig     `yaml:"redis"`
	SentryDSN string          `yaml:"sentryDSN"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsPort int    `yaml:"metricsPort"`
	HealthPort  int    `yaml:"healthPort"`
	// InternalToken protects the inbound broadcast endpoint. Empty disables the check.
	InternalToken string `yaml:"internalToken"`
}

type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	SnapshotBackend string        `yaml:"snapshotBackend"`
	SnapshotPath    string        `yaml:"snapshotPath"`
	SnapshotKey     string        `yaml:"snapshotKey"`
}

type QueueConfig struct {
	Path                string        `yaml:"path"`
	StaleAfter          time.Duration `yaml:"staleAfter"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
}

type GatewayConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	InsecureTLS bool          `yaml:"insecureTLS"`
	// Token is sent as bearer token on every writer call when set.
	Token     string `yaml:"token"`
	CreateURI string `yaml:"createURI"`
	UpdateURI string `yaml:"updateURI"`
	DeleteURI string `yaml:"deleteURI"`
}

type PubSubConfig struct {
	Transport string      `yaml:"transport"`
	Kafka     KafkaConfig `yaml:"kafka"`
	MQTT      MQTTConfig  `yaml:"mqtt"`
	// RedisChannel is the channel used when Transport is redis. The address comes from Config.Redis.
	RedisChannel string `yaml:"redisChannel"`
	DedupSize    int    `yaml:"dedupSize"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MQTTConfig struct {
	BrokerURL   string `yaml:"brokerURL"`
	TopicPrefix string `yaml:"topicPrefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ReadStoreConfig struct {
	PostgresURL string        `yaml:"postgresURL"`
	Queries     QueryConfig   `yaml:"queries"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	MaxRetries  uint64        `yaml:"maxRetries"`
}

// QueryConfig holds the operator supplied SQL statements. The service never builds SQL itself.
type QueryConfig struct {
	// ItemsInArea receives $1 map id, $2 variant, $3..$6 minX, minY, maxX, maxY, $7 zoom.
	ItemsInArea string `yaml:"itemsInArea"`
	// ItemByID receives $1 item id.
	ItemByID string `yaml:"itemByID"`
	// MapIDs takes no parameters.
	MapIDs string `yaml:"mapIDs"`
	// Categories receives $1 map id, $2 variant.
	Categories string `yaml:"categories"`
}

type DetectorConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsPort: 2112,
			HealthPort:  8086,
		},
		Session: SessionConfig{
			TTL:             60 * time.Minute,
			SweepInterval:   60 * time.Second,
			SnapshotBackend: SnapshotBackendFile,
			SnapshotPath:    "/data/sessions.json",
			SnapshotKey:     "mapsync:sessions",
		},
		Queue: QueueConfig{
			Path:                "/data/txqueue",
			StaleAfter:          24 * time.Hour,
			MaintenanceInterval: time.Minute,
		},
		Gateway: GatewayConfig{
			Timeout:   10 * time.Second,
			CreateURI: "/items/create",
			UpdateURI: "/items/update",
			DeleteURI: "/items/delete",
		},
		PubSub: PubSubConfig{
			Transport: TransportDirect,
			Kafka: KafkaConfig{
				Topic: "mapsync.notifications",
			},
			MQTT: MQTTConfig{
				TopicPrefix: "mapsync/notify",
			},
			RedisChannel: "mapsync:notifications",
			DedupSize:    10_000,
		},
		ReadStore: ReadStoreConfig{
			CacheTTL:   30 * time.Second,
			MaxRetries: 3,
		},
		Detector: DetectorConfig{
			PollInterval: 5 * time.Minute,
		},
	}
}
