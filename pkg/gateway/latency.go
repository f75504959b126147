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

package gateway

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// latencyWindow is how long a single observation counts towards the statistics.
const latencyWindow = 5 * time.Minute

// Latency summarizes the calls of the last five minutes.
type Latency struct {
	AvgMs float64 `json:"avgMs"`
	MaxMs float64 `json:"maxMs"`
	MinMs float64 `json:"minMs"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	Count int     `json:"count"`
}

// Latencies groups the windows the client records into.
type Latencies struct {
	FirstByte Latency `json:"firstByte"`
	Total     Latency `json:"total"`
}

func newLatencyMap() *expiremap.ExpireMap[time.Time, time.Duration] {
	return expiremap.NewEx[time.Time, time.Duration](latencyWindow, latencyWindow)
}

func calculateLatency(latencies *expiremap.ExpireMap[time.Time, time.Duration]) Latency {
	var (
		minimum, maximum, sum time.Duration
		durations             []time.Duration
	)

	latencies.Range(func(_ time.Time, value time.Duration) bool {
		if len(durations) == 0 || value < minimum {
			minimum = value
		}
		if value > maximum {
			maximum = value
		}
		sum += value
		durations = append(durations, value)
		return true
	})

	if len(durations) == 0 {
		return Latency{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	at := func(q float64) time.Duration {
		idx := int(float64(len(durations)) * q)
		if idx >= len(durations) {
			idx = len(durations) - 1
		}
		return durations[idx]
	}

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	return Latency{
		AvgMs: ms(sum / time.Duration(len(durations))),
		MaxMs: ms(maximum),
		MinMs: ms(minimum),
		P95Ms: ms(at(0.95)),
		P99Ms: ms(at(0.99)),
		Count: len(durations),
	}
}
