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

package txqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
)

// DefaultStaleAfter is the age after which a pending record is given up on.
const DefaultStaleAfter = 24 * time.Hour

// Queue is the durable log of writes handed to the external writer.
// goque keeps records in creation order; mu serializes scan-then-update sequences.
type Queue struct {
	q      *goque.Queue
	log    *zap.SugaredLogger
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type Option func(*Queue)

// WithClock replaces time.Now for record timestamps and stale expiry.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Open opens or creates the LevelDB backed queue in dir.
func Open(dir string, opts ...Option) (*Queue, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction queue at %s: %w", dir, err)
	}

	queue := &Queue{
		q:   q,
		log: logger.For(logger.ComponentTxQueue),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(queue)
	}

	if err := queue.recoverCompaction(); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to recover transaction queue at %s: %w", dir, err)
	}

	queue.log.Infof("Opened transaction queue at %s with %d records", dir, q.Length())

	return queue, nil
}

func (q *Queue) Close() error {
	q.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.q.Close(); err != nil {
		return fmt.Errorf("failed to close transaction queue: %w", err)
	}

	return nil
}

// Enqueue durably appends a pending record.
func (q *Queue) Enqueue(sessionKey string, ref models.MapRef, op models.OperationKind, target models.EntityID, args any) (*Record, error) {
	var raw safejson.RawMessage

	if args != nil {
		encoded, err := safejson.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
		}
		raw = encoded
	}

	rec := Record{
		Key:        uuid.NewString(),
		SessionKey: sessionKey,
		MapRef:     ref,
		Operation:  op,
		TargetID:   target,
		Args:       raw,
		Status:     StatusPending,
		CreatedAt:  q.now().UTC(),
	}

	value, err := safejson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.q.Enqueue(value)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue record: %w", err)
	}

	rec.ID = item.ID

	return &rec, nil
}

// scan visits records in creation order until fn returns false.
// Records that fail to decode are passed with a non-nil error.
// Callers must hold mu.
func (q *Queue) scan(fn func(rec *Record, err error) bool) {
	length := q.q.Length()

	for offset := uint64(0); offset < length; offset++ {
		item, err := q.q.PeekByOffset(offset)
		if err != nil {
			if errors.Is(err, goque.ErrOutOfBounds) || errors.Is(err, goque.ErrEmpty) {
				return
			}
			if !fn(nil, err) {
				return
			}
			continue
		}

		var rec Record
		if err := safejson.Unmarshal(item.Value, &rec); err != nil {
			if !fn(&Record{ID: item.ID}, fmt.Errorf("failed to decode record %d: %w", item.ID, err)) {
				return
			}
			continue
		}

		rec.ID = item.ID
		if !fn(&rec, nil) {
			return
		}
	}
}

// store writes rec back under its goque id. Callers must hold mu.
func (q *Queue) store(rec *Record) error {
	value, err := safejson.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err := q.q.Update(rec.ID, value); err != nil {
		return fmt.Errorf("failed to update record %d: %w", rec.ID, err)
	}

	return nil
}

// Records returns every decodable record in creation order.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Record

	q.scan(func(rec *Record, err error) bool {
		if err == nil {
			out = append(out, *rec)
		}
		return true
	})

	return out
}

// Len counts all records, settled ones included until pruned.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int(q.q.Length())
}

// SettleCreate attaches the id assigned by the writer to a create record and
// settles it. Reconcile never applies creates, so nothing waits on the broadcast.
func (q *Queue) SettleCreate(key string, target models.EntityID) error {
	return q.updateByKey(key, func(rec *Record) {
		rec.TargetID = target
		rec.Status = StatusDone
	})
}

// MarkFailed settles a record the writer rejected.
func (q *Queue) MarkFailed(key string) error {
	return q.updateByKey(key, func(rec *Record) { rec.Status = StatusFailed })
}

func (q *Queue) updateByKey(key string, mutate func(rec *Record)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found *Record

	q.scan(func(rec *Record, err error) bool {
		if err == nil && rec.Key == key {
			found = rec
			return false
		}
		return true
	})

	if found == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	mutate(found)

	return q.store(found)
}

// MarkDone settles every pending op record targeting one of targets and returns them.
func (q *Queue) MarkDone(op models.OperationKind, targets ...models.EntityID) ([]Record, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	wanted := make(map[models.EntityID]struct{}, len(targets))
	for _, t := range targets {
		wanted[t] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		settled []Record
		errs    []error
	)

	q.scan(func(rec *Record, err error) bool {
		if err != nil || rec.Status != StatusPending || rec.Operation != op {
			return true
		}

		if _, ok := wanted[rec.TargetID]; !ok {
			return true
		}

		rec.Status = StatusDone
		if err := q.store(rec); err != nil {
			errs = append(errs, err)
			return true
		}

		settled = append(settled, *rec)

		return true
	})

	return settled, errors.Join(errs...)
}

// PendingFor returns the pending records targeting target.
func (q *Queue) PendingFor(target models.EntityID) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Record

	q.scan(func(rec *Record, err error) bool {
		if err == nil && rec.Status == StatusPending && rec.TargetID == target {
			out = append(out, *rec)
		}
		return true
	})

	return out
}

// Prune drops settled and undecodable records. It dequeues them from the head
// and compacts the log once settled records behind a pending head outnumber
// the pending ones. It returns the number of records removed.
func (q *Queue) Prune() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	defer q.updateGauges()

	pruned, err := q.pruneHead()
	if err != nil {
		return pruned, err
	}

	compacted, err := q.compact()

	return pruned + compacted, err
}

// pruneHead must be called with mu held.
func (q *Queue) pruneHead() (int, error) {
	pruned := 0

	for {
		item, err := q.q.Peek()
		if errors.Is(err, goque.ErrEmpty) {
			return pruned, nil
		}

		if err != nil {
			return pruned, fmt.Errorf("failed to peek queue head: %w", err)
		}

		var rec Record
		if err := safejson.Unmarshal(item.Value, &rec); err == nil && !rec.Settled() {
			return pruned, nil
		}

		if _, err := q.q.Dequeue(); err != nil {
			return pruned, fmt.Errorf("failed to dequeue record %d: %w", item.ID, err)
		}

		pruned++
	}
}

// compact appends a copy of every pending record, keeping their order, then
// dequeues the original log. A crash in between leaves duplicate pending keys
// for recoverCompaction. Callers must hold mu.
func (q *Queue) compact() (int, error) {
	var (
		pending []Record
		settled int
	)

	q.scan(func(rec *Record, err error) bool {
		if err != nil || rec.Settled() {
			settled++
			return true
		}

		pending = append(pending, *rec)

		return true
	})

	if settled == 0 || settled <= len(pending) {
		return 0, nil
	}

	original := q.q.Length()

	for i := range pending {
		value, err := safejson.Marshal(pending[i])
		if err != nil {
			return 0, errors.Join(fmt.Errorf("failed to encode record %s: %w", pending[i].Key, err), q.recoverCompaction())
		}

		if _, err := q.q.Enqueue(value); err != nil {
			return 0, errors.Join(fmt.Errorf("failed to copy record %s: %w", pending[i].Key, err), q.recoverCompaction())
		}
	}

	for n := uint64(0); n < original; n++ {
		if _, err := q.q.Dequeue(); err != nil {
			return 0, fmt.Errorf("failed to drop compacted record: %w", err)
		}
	}

	q.log.Debugf("Compacted transaction queue: dropped %d settled records, kept %d pending", settled, len(pending))

	return settled, nil
}

// recoverCompaction resolves a compaction that did not finish. Its copies
// start at the first pending record whose key is already pending earlier in
// the log. When every pending record before them was copied, that prefix is
// dequeued; otherwise the copies are failed and the originals stay
// authoritative. Callers must hold mu.
func (q *Queue) recoverCompaction() error {
	var (
		records []Record
		first   = -1
		pending = map[string]struct{}{}
	)

	q.scan(func(rec *Record, err error) bool {
		if err != nil {
			records = append(records, Record{Status: StatusFailed})
			return true
		}

		if !rec.Settled() {
			if _, dup := pending[rec.Key]; dup && first < 0 {
				first = len(records)
			}
			pending[rec.Key] = struct{}{}
		}

		records = append(records, *rec)

		return true
	})

	if first < 0 {
		return nil
	}

	copied := make(map[string]struct{}, len(records)-first)
	for _, rec := range records[first:] {
		if !rec.Settled() {
			copied[rec.Key] = struct{}{}
		}
	}

	originals := make(map[string]struct{}, first)
	complete := true

	for _, rec := range records[:first] {
		if rec.Settled() {
			continue
		}

		originals[rec.Key] = struct{}{}
		if _, ok := copied[rec.Key]; !ok {
			complete = false
		}
	}

	if complete {
		for range first {
			if _, err := q.q.Dequeue(); err != nil {
				return fmt.Errorf("failed to drop compacted record: %w", err)
			}
		}

		q.log.Infof("Finished an interrupted compaction, dropped %d records", first)

		return nil
	}

	var errs []error

	for i := first; i < len(records); i++ {
		rec := records[i]
		if _, ok := originals[rec.Key]; !ok || rec.Settled() {
			continue
		}

		rec.Status = StatusFailed
		if err := q.store(&rec); err != nil {
			errs = append(errs, err)
		}
	}

	q.log.Warnf("Rolled back an interrupted compaction starting at record %d", records[first].ID)

	return errors.Join(errs...)
}

// ExpireStale flips pending records older than maxAge to failed. A zero maxAge disables it.
func (q *Queue) ExpireStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	cutoff := q.now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0

	q.scan(func(rec *Record, err error) bool {
		if err != nil || rec.Status != StatusPending || !rec.CreatedAt.Before(cutoff) {
			return true
		}

		rec.Status = StatusFailed
		if err := q.store(rec); err != nil {
			q.log.Warnf("Failed to expire record %s: %v", rec.Key, err)
			return true
		}

		expired++

		return true
	})

	if expired > 0 {
		q.log.Warnf("Expired %d pending records older than %s", expired, maxAge)
	}

	return expired
}

// updateGauges must be called with mu held.
func (q *Queue) updateGauges() {
	counts := map[Status]int{StatusPending: 0, StatusDone: 0, StatusFailed: 0}

	q.scan(func(rec *Record, err error) bool {
		if err == nil {
			counts[rec.Status]++
		}
		return true
	})

	for status, n := range counts {
		metrics.SetQueueRecords(string(status), n)
	}
}

// Start runs stale expiry and pruning every interval until Stop.
func (q *Queue) Start(interval, staleAfter time.Duration) {
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.ExpireStale(staleAfter)

				if _, err := q.Prune(); err != nil {
					metrics.IncErrorCount(metrics.ComponentTxQueue, "prune")
					sentry.ReportServiceError(q.log, "transaction-queue", metrics.ComponentTxQueue, "prune", err)
				}
			}
		}
	}()
}

func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}

	q.cancel()
	q.wg.Wait()
	q.cancel = nil
}
