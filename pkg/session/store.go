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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/ctxmutex"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/hash"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
)

const (
	DefaultTTL           = 60 * time.Minute
	DefaultSweepInterval = 60 * time.Second

	flushTimeout = 10 * time.Second
)

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// Now is replaced in tests.
	Now func() time.Time
}

// Store is the registry of live sessions.
//
// The registry lock is only held for map lookups and inserts; per session state
// is guarded by each Session. Snapshot writes go through a single flush worker
// and are serialized by flushMu, so a slow backend never blocks request paths.
type Store struct {
	ctx       context.Context //nolint:containedctx // background lifecycle
	cancel    context.CancelFunc
	log       *zap.SugaredLogger
	snapshots SnapshotStore
	sessions  map[string]*Session
	flushMu   *ctxmutex.CtxMutex
	flushReq  chan struct{}
	now       func() time.Time
	wg        sync.WaitGroup
	ttl       time.Duration
	sweepEach time.Duration
	mu        sync.RWMutex
	started   bool
}

func NewStore(snapshots SnapshotStore, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.For(logger.ComponentSessionStore),
		snapshots: snapshots,
		sessions:  make(map[string]*Session),
		flushMu:   ctxmutex.NewCtxMutex(),
		flushReq:  make(chan struct{}, 1),
		now:       opts.Now,
		ttl:       opts.TTL,
		sweepEach: opts.SweepInterval,
	}
}

// TTL returns the idle lifetime granted by Create and Touch.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create registers a new session bound to ref.
func (s *Store) Create(ctx context.Context, ref models.MapRef) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := checkRef(ref); err != nil {
		return nil, err
	}

	s.mu.Lock()

	var sess *Session

	for sess == nil {
		token, err := generateToken()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}

		if _, taken := s.sessions[token]; taken {
			continue
		}

		sess = newSession(token, ref, s.now().Add(s.ttl))
		s.sessions[token] = sess
	}

	count := len(s.sessions)
	s.mu.Unlock()

	metrics.SetSessionsActive(count)
	s.log.Debugf("Created session %s for map %s", hash.Fingerprint(sess.token), ref)
	s.requestFlush()

	return sess, nil
}

// Get returns the live session for token. It does not extend the expiry.
func (s *Store) Get(token string) (*Session, error) {
	if !validToken(token) {
		return nil, ErrInvalidToken
	}

	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	if sess.expiredAt(s.now()) {
		return nil, ErrSessionExpired
	}

	return sess, nil
}

// Touch extends the session to now+TTL unless it already lives longer.
func (s *Store) Touch(token string) (time.Time, error) {
	sess, err := s.Get(token)
	if err != nil {
		return time.Time{}, err
	}

	expiry := sess.extend(s.now().Add(s.ttl))
	s.requestFlush()

	return expiry, nil
}

// Remove deletes the session. Its overlay is dropped with it.
func (s *Store) Remove(token string) error {
	if !validToken(token) {
		return ErrInvalidToken
	}

	s.mu.Lock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	count := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	metrics.SetSessionsActive(count)
	s.requestFlush()

	return nil
}

// Len counts registered sessions, expired ones included until the next sweep.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// SweepExpired removes every expired session and persists the result with a single flush.
func (s *Store) SweepExpired(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()

	removed := 0

	for token, sess := range s.sessions {
		if sess.expiredAt(now) {
			delete(s.sessions, token)
			removed++
		}
	}

	count := len(s.sessions)
	s.mu.Unlock()

	if removed == 0 {
		return 0
	}

	metrics.SetSessionsActive(count)
	metrics.AddSessionsExpired(removed)
	s.log.Infof("Swept %d expired sessions, %d remain", removed, count)

	if err := s.Flush(ctx); err != nil {
		s.reportFlushError(err)
	}

	return removed
}

// Flush writes a snapshot of every live session. Concurrent flushes are serialized.
func (s *Store) Flush(ctx context.Context) error {
	return s.flushMu.Do(ctx, func() error {
		now := s.now()

		s.mu.RLock()

		snap := make(Snapshot, len(s.sessions))

		for token, sess := range s.sessions {
			entry := sess.snapshotEntry()
			if !now.Before(entry.Expiry) {
				continue
			}
			snap[token] = entry
		}
		s.mu.RUnlock()

		err := s.snapshots.Save(ctx, snap)
		metrics.RecordSnapshotFlush(err)

		if err != nil {
			return fmt.Errorf("failed to save session snapshot: %w", err)
		}

		return nil
	})
}

// Load restores every unexpired session from the snapshot. Existing sessions with the same token are kept.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.snapshots.Load(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	restored := 0

	s.mu.Lock()

	for token, entry := range snap {
		if !validToken(token) || !now.Before(entry.Expiry) {
			continue
		}

		if _, exists := s.sessions[token]; exists {
			continue
		}

		s.sessions[token] = newSession(token, entry.CurrentMap, entry.Expiry)
		restored++
	}

	count := len(s.sessions)
	s.mu.Unlock()

	metrics.SetSessionsActive(count)
	s.log.Infof("Restored %d of %d sessions from snapshot", restored, len(snap))

	return nil
}

// Start launches the sweep loop and the flush worker. Stop must be called to release them.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)

	go s.sweepLoop()
	go s.flushLoop()

	s.log.Infof("Session store started with ttl %s and sweep interval %s", s.ttl, s.sweepEach)
}

// Stop terminates the background loops and writes a final snapshot.
func (s *Store) Stop(ctx context.Context) error {
	s.log.Info("Stopping session store")
	s.cancel()
	s.wg.Wait()

	err := s.Flush(ctx)
	if err != nil {
		s.reportFlushError(err)
	}

	s.log.Info("Session store stopped")

	return err
}

// requestFlush never blocks; pending requests coalesce into one write.
func (s *Store) requestFlush() {
	select {
	case s.flushReq <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushReq:
			ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
			if err := s.Flush(ctx); err != nil {
				s.reportFlushError(err)
			}
			cancel()
		}
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
			s.SweepExpired(ctx)
			cancel()
		}
	}
}

func (s *Store) reportFlushError(err error) {
	metrics.IncErrorCount(metrics.ComponentSessionStore, "flush")
	sentry.ReportIssuef(sentry.IssueTypeWarning, s.log, "[Store.Flush] session snapshot not written, in-memory state stays authoritative: %v", err)
}
