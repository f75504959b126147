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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
	"go.uber.org/zap"
)

const (
	// Component labels.
	ComponentSessionStore = "session_store"
	ComponentTxQueue      = "tx_queue"
	ComponentPubSub       = "pubsub"
	ComponentDetector     = "change_detector"
	ComponentGateway      = "gateway"
	ComponentReadStore    = "read_store"
	ComponentMapService   = "map_service"
	ComponentAPI          = "api"
	ComponentFilesystem   = "filesystem"
)

var (
	namespace = "umh"
	subsystem = "mapsync"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held by the session store",
		},
	)

	sessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed by the expiry sweep",
		},
	)

	snapshotFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_snapshot_flushes_total",
			Help:      "Session snapshot flushes by outcome",
		},
		[]string{"outcome"},
	)

	overlayEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "overlay_entries",
			Help:      "Number of optimistic overlay entries across all sessions",
		},
	)

	queueRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tx_queue_records",
			Help:      "Transaction queue records by status",
		},
		[]string{"status"},
	)

	reconcileSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_skipped_records_total",
			Help:      "Pending records skipped during reconcile because they could not be decoded",
		},
	)

	notificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_published_total",
			Help:      "Notifications handed to a transport",
		},
		[]string{"transport", "event"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_delivered_total",
			Help:      "Notifications delivered to local listeners",
		},
		[]string{"transport"},
	)

	notificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a listener was full or closed, or the envelope was a duplicate",
		},
		[]string{"reason"},
	)

	topicsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "topics_active",
			Help:      "Topics with at least one local listener",
		},
	)

	gatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gateway_calls_total",
			Help:      "External writer calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of external writer calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	categoryChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "category_changes_total",
			Help:      "Category snapshot changes that produced a notification",
		},
	)

	filesystemOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "outcome"},
	)

	readDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_duration_milliseconds",
			Help:      "Time taken by relational reads including reconcile and overlay merge",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"query"},
	)
)

// SetupMetricsEndpoint serves /metrics on addr in a background goroutine.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func AddSessionsExpired(n int) {
	sessionsExpired.Add(float64(n))
}

func RecordSnapshotFlush(err error) {
	if err != nil {
		snapshotFlushes.WithLabelValues("error").Inc()
		return
	}
	snapshotFlushes.WithLabelValues("success").Inc()
}

func AddOverlayEntries(delta int) {
	overlayEntries.Add(float64(delta))
}

func SetQueueRecords(status string, n int) {
	queueRecords.WithLabelValues(status).Set(float64(n))
}

func IncReconcileSkipped() {
	reconcileSkipped.Inc()
}

func IncNotificationsPublished(transport, event string) {
	notificationsPublished.WithLabelValues(transport, event).Inc()
}

func IncNotificationsDelivered(transport string) {
	notificationsDelivered.WithLabelValues(transport).Inc()
}

func IncNotificationsDropped(reason string) {
	notificationsDropped.WithLabelValues(reason).Inc()
}

func SetTopicsActive(n int) {
	topicsActive.Set(float64(n))
}

func RecordGatewayCall(operation, outcome string, duration time.Duration) {
	gatewayCalls.WithLabelValues(operation, outcome).Inc()
	gatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func IncCategoryChanges() {
	categoryChanges.Inc()
}

func ObserveReadTime(query string, duration time.Duration) {
	readDuration.WithLabelValues(query).Observe(float64(duration.Milliseconds()))
}

func RecordFilesystemOp(operation string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	filesystemOps.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RegisterGatewayLatency exports the p95 of the writer's rolling latency
// window. p95 is called on every scrape and returns first byte and total in ms.
func RegisterGatewayLatency(p95 func() (firstByteMs, totalMs float64)) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "gateway_first_byte_p95_ms",
		Help:      "p95 time to first response byte of writer calls over the last five minutes",
	}, func() float64 {
		firstByte, _ := p95()
		return firstByte
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "gateway_total_p95_ms",
		Help:      "p95 total duration of writer calls over the last five minutes",
	}, func() float64 {
		_, total := p95()
		return total
	})
}
