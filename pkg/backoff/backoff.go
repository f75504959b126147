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

package backoff

import (
	"context"
	"time"
)

type Policy int

const (
	PolicyExponential Policy = iota
	PolicyLinear
)

// Backoff produces a growing sequence of wait durations capped at max.
// It is not safe for concurrent use; give every retry loop its own instance.
type Backoff struct {
	last   time.Duration
	start  time.Duration
	step   time.Duration
	max    time.Duration
	policy Policy
}

// New returns a Backoff. For PolicyExponential step is the multiplier
// (2 doubles every time), for PolicyLinear it is added on every call.
func New(start, step, max time.Duration, policy Policy) *Backoff {
	if start <= 0 {
		start = time.Millisecond
	}

	return &Backoff{
		last:   start,
		start:  start,
		step:   step,
		max:    max,
		policy: policy,
	}
}

// Reset resets the backoff to its initial state.
func (b *Backoff) Reset() {
	b.last = b.start
}

// Next returns the next backoff duration.
func (b *Backoff) Next() time.Duration {
	next := b.last

	if b.policy == PolicyLinear {
		next += b.step
	} else {
		next *= b.step
	}

	if next > b.max {
		next = b.max
	}

	b.last = next

	return next
}

// Wait sleeps for the next backoff duration or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Current returns the last computed duration (useful for logging).
func (b *Backoff) Current() time.Duration {
	return b.last
}

// NonBlockingBackoff gates attempts from a loop that must not sleep,
// e.g. a ticker driven maintenance loop.
type NonBlockingBackoff struct {
	backoff     *Backoff
	nextAllowed time.Time
}

func NewNonBlocking(start, step, max time.Duration, policy Policy) *NonBlockingBackoff {
	return &NonBlockingBackoff{backoff: New(start, step, max, policy)}
}

// ShouldRunNow returns true if the current time is >= nextAllowed.
func (n *NonBlockingBackoff) ShouldRunNow() bool {
	return !time.Now().Before(n.nextAllowed)
}

func (n *NonBlockingBackoff) MarkFailed() {
	n.nextAllowed = time.Now().Add(n.backoff.Next())
}

func (n *NonBlockingBackoff) MarkSucceeded() {
	n.backoff.Reset()
	n.nextAllowed = time.Time{}
}
