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

// Package mapservice orchestrates writes, reads and confirmations across the
// session overlay, the transaction queue, the writer gateway and the hub.
package mapservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/gateway"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/hash"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/readstore"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/txqueue"
)

const outcomePublishTimeout = 5 * time.Second

var (
	ErrItemNotFound     = errors.New("item not found or pending deletion")
	ErrInvalidBroadcast = errors.New("invalid broadcast")
	ErrClosed           = errors.New("map service is shutting down")
)

// Publisher is the part of the hub the service publishes through.
type Publisher interface {
	Publish(ctx context.Context, event string, args map[string]any, payload any) error
}

// ChangeChecker is notified about maps with confirmed writes.
type ChangeChecker interface {
	CheckForChanges(ctx context.Context, mapID string) error
}

// Invalidator drops cached reads after a confirmation.
type Invalidator interface {
	Invalidate()
}

// Operations names the writer endpoints for each kind of write.
type Operations struct {
	Create gateway.OperationDefine
	Update gateway.OperationDefine
	Delete gateway.OperationDefine
}

// DefaultOperations matches the writer's default routes.
func DefaultOperations() Operations {
	return Operations{
		Create: gateway.OperationDefine{URI: "/items/create", Method: gateway.MethodPost, Result: gateway.ResultJSON},
		Update: gateway.OperationDefine{URI: "/items/update", Method: gateway.MethodPost, Result: gateway.ResultNone},
		Delete: gateway.OperationDefine{URI: "/items/delete", Method: gateway.MethodPost, Result: gateway.ResultNone},
	}
}

// Arguments sent to the writer.
type (
	CreateArgs struct {
		MapRef models.MapRef `json:"mapRef"`
		Item   models.Item   `json:"item"`
		Key    string        `json:"key"`
	}
	UpdateArgs struct {
		MapRef models.MapRef   `json:"mapRef"`
		ID     models.EntityID `json:"id"`
		Patch  models.Patch    `json:"patch"`
		Key    string          `json:"key"`
	}
	DeleteArgs struct {
		MapRef models.MapRef   `json:"mapRef"`
		ID     models.EntityID `json:"id"`
		Key    string          `json:"key"`
	}
)

type Deps struct {
	Sessions  *session.Store
	Queue     *txqueue.Queue
	Publisher Publisher
	Gateway   gateway.Caller
	Reader    readstore.Reader
	// Checker and Cache are optional.
	Checker ChangeChecker
	Cache   Invalidator
}

type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deps     Deps
	ops      Operations
	log      *zap.SugaredLogger
	inflight sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

func New(deps Deps, ops Operations) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		ctx:    ctx,
		cancel: cancel,
		deps:   deps,
		ops:    ops,
		log:    logger.For(logger.ComponentMapService),
	}
}

// activeSession resolves token and extends the session.
func (s *Service) activeSession(token string) (*session.Session, error) {
	if _, err := s.deps.Sessions.Touch(token); err != nil {
		return nil, err
	}

	return s.deps.Sessions.Get(token)
}

func resolveRef(sess *session.Session, ref models.MapRef) models.MapRef {
	if ref.ID == "" {
		return sess.CurrentMap()
	}

	if ref != sess.CurrentMap() {
		sess.SetCurrentMap(ref)
	}

	return ref
}

// commit is one write on its way to the writer.
type commit struct {
	sess      *session.Session
	record    *txqueue.Record
	define    gateway.OperationDefine
	args      any
	ref       models.MapRef
	processID string
	// provisional is the id listeners saw in the provisional event.
	provisional models.EntityID
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// start registers c as in flight. It fails once Close was called.
func (s *Service) start(c commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.inflight.Add(1)

	go s.run(c)

	return nil
}

// CreateItem accepts a create for the session's map and returns the process id,
// which is also the provisional item id until the writer assigns one.
func (s *Service) CreateItem(ctx context.Context, token string, item models.Item) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	sess, err := s.activeSession(token)
	if err != nil {
		return "", err
	}

	ref := resolveRef(sess, item.MapRef)

	processID, err := sess.Overlay().AddPendingCreate(ref, item)
	if err != nil {
		return "", err
	}

	effective := item.Clone()
	effective.ID = models.EntityID(processID)
	effective.MapRef = ref

	record, err := s.deps.Queue.Enqueue(hash.Fingerprint(token), ref, models.OperationCreate, "", effective)
	if err != nil {
		sess.Overlay().Remove(processID)
		return "", err
	}

	c := commit{
		sess:        sess,
		record:      record,
		define:      s.ops.Create,
		args:        CreateArgs{MapRef: ref, Item: effective, Key: record.Key},
		ref:         ref,
		processID:   processID,
		provisional: effective.ID,
	}

	s.publishProvisional(ctx, c, models.OperationCreate, effective)

	if err := s.start(c); err != nil {
		sess.Overlay().Remove(processID)
		return "", err
	}

	return processID, nil
}

// UpdateItem accepts a patch of an existing item and returns the process id.
func (s *Service) UpdateItem(ctx context.Context, token string, id models.EntityID, patch models.Patch) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	sess, err := s.activeSession(token)
	if err != nil {
		return "", err
	}

	current, err := s.currentItem(ctx, id)
	if err != nil {
		return "", err
	}

	ref := current.MapRef

	processID, err := sess.Overlay().AddPendingUpdate(ref, current, patch)
	if err != nil {
		return "", err
	}

	record, err := s.deps.Queue.Enqueue(hash.Fingerprint(token), ref, models.OperationUpdate, id, patch)
	if err != nil {
		sess.Overlay().Remove(processID)
		return "", err
	}

	c := commit{
		sess:        sess,
		record:      record,
		define:      s.ops.Update,
		args:        UpdateArgs{MapRef: ref, ID: id, Patch: patch, Key: record.Key},
		ref:         ref,
		processID:   processID,
		provisional: id,
	}

	effective := patch.ApplyTo(current)
	effective.MapRef = ref

	s.publishProvisional(ctx, c, models.OperationUpdate, effective)

	if err := s.start(c); err != nil {
		sess.Overlay().Remove(processID)
		return "", err
	}

	return processID, nil
}

// DeleteItem accepts a delete. Deletes carry no overlay entry: the pending
// queue record already hides the item from every session's reads.
func (s *Service) DeleteItem(ctx context.Context, token string, id models.EntityID) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	if _, err := s.activeSession(token); err != nil {
		return "", err
	}

	current, err := s.currentItem(ctx, id)
	if err != nil {
		return "", err
	}

	ref := current.MapRef

	record, err := s.deps.Queue.Enqueue(hash.Fingerprint(token), ref, models.OperationDelete, id, nil)
	if err != nil {
		return "", err
	}

	c := commit{
		record:      record,
		define:      s.ops.Delete,
		args:        DeleteArgs{MapRef: ref, ID: id, Key: record.Key},
		ref:         ref,
		processID:   record.Key,
		provisional: id,
	}

	s.publishProvisional(ctx, c, models.OperationDelete, current)

	if err := s.start(c); err != nil {
		return "", err
	}

	return record.Key, nil
}

// currentItem reads id and applies the pending writes of every session.
func (s *Service) currentItem(ctx context.Context, id models.EntityID) (models.Item, error) {
	item, err := s.deps.Reader.ItemByID(ctx, id)
	if err != nil {
		if errors.Is(err, readstore.ErrNotFound) {
			return models.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return models.Item{}, err
	}

	reconciled := s.deps.Queue.Reconcile([]models.Item{item}, nil)
	if len(reconciled) == 0 {
		return models.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	return reconciled[0], nil
}

// ReadItems returns the committed items in the area, adjusted by every pending
// write and extended by the session's own provisional items.
func (s *Service) ReadItems(ctx context.Context, token string, q readstore.AreaQuery) ([]models.Item, error) {
	sess, err := s.activeSession(token)
	if err != nil {
		return nil, err
	}

	q.MapRef = resolveRef(sess, q.MapRef)

	start := time.Now()
	defer func() { metrics.ObserveReadTime("items_in_area", time.Since(start)) }()

	base, err := s.deps.Reader.ItemsInArea(ctx, q)
	if err != nil {
		return nil, err
	}

	reconciled := s.deps.Queue.Reconcile(base, func(_ txqueue.Record, patched models.Item) bool {
		return q.Extent.Intersects(patched.Geometry)
	})

	return sess.Overlay().MergeInto(reconciled, q.MapRef), nil
}

// run performs the writer call of c and publishes the outcome.
func (s *Service) run(c commit) {
	defer s.inflight.Done()

	result, err := s.invoke(c)
	if err != nil {
		s.reject(c, err)
		return
	}

	s.accept(c, result)
}

// invoke calls the writer. The overlay entry never outlives the call.
func (s *Service) invoke(c commit) (gateway.Result, error) {
	if c.sess != nil {
		defer c.sess.Overlay().Remove(c.processID)
	}

	return s.deps.Gateway.Call(s.ctx, c.define, c.args)
}

func (s *Service) accept(c commit, result gateway.Result) {
	targets := []models.EntityID{c.provisional}

	if c.record.Operation == models.OperationCreate {
		id := createdID(result)
		if id == "" {
			s.log.Warnf("Writer accepted create %s without returning an id", c.record.Key)
		} else {
			targets = []models.EntityID{id}
		}

		// the broadcast for id may already have been handled and matched nothing
		if err := s.deps.Queue.SettleCreate(c.record.Key, id); err != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentMapService, c.ref.String(), err, s.log)
		}
	}

	ctx, cancel := s.outcomeContext()
	defer cancel()

	s.publish(ctx, eventFor(c.record.Operation), c.ref, ChangeEvent{
		State:     StateAccepted,
		Operation: c.record.Operation,
		ProcessID: c.processID,
		Targets:   targets,
	})
}

// reject publishes the compensating event. Timeouts and shutdown cancellation
// leave the record pending because the writer may still commit it.
func (s *Service) reject(c commit, err error) {
	switch {
	case gateway.IsTimeout(err):
		s.log.Warnf("Writer call for %s timed out, record stays pending: %v", c.record.Key, err)
	case errors.Is(err, context.Canceled):
		s.log.Warnf("Writer call for %s was cancelled, record stays pending: %v", c.record.Key, err)
	default:
		if markErr := s.deps.Queue.MarkFailed(c.record.Key); markErr != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentMapService, c.ref.String(), markErr, s.log)
		}
		sentry.ReportServiceWarningf(s.log, c.record.Key, metrics.ComponentMapService, string(c.record.Operation),
			"writer rejected %s on %s: %v", c.record.Operation, c.ref, err)
	}

	ctx, cancel := s.outcomeContext()
	defer cancel()

	s.publish(ctx, EventItemRemoved, c.ref, ChangeEvent{
		State:     StateRejected,
		Operation: c.record.Operation,
		ProcessID: c.processID,
		Targets:   []models.EntityID{c.provisional},
	})
}

// createdID reads the id assigned by the writer from a JSON {"id": ...} or a plain text result.
func createdID(result gateway.Result) models.EntityID {
	if len(result.JSON) > 0 {
		var body struct {
			ID string `json:"id"`
		}
		if err := result.Decode(&body); err == nil {
			return models.EntityID(body.ID)
		}
	}

	return models.EntityID(strings.TrimSpace(result.Text))
}

func (s *Service) publishProvisional(ctx context.Context, c commit, op models.OperationKind, item models.Item) {
	item.Provisional = true
	item.ProcessID = c.processID

	s.publish(ctx, eventFor(op), c.ref, ChangeEvent{
		State:     StateProvisional,
		Operation: op,
		ProcessID: c.processID,
		Targets:   []models.EntityID{c.provisional},
		Items:     []models.Item{item},
	})
}

// outcomeContext bounds the publish of a call outcome. It survives Close so a
// cancelled call still gets its compensating event.
func (s *Service) outcomeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), outcomePublishTimeout)
}

// publish never fails the write; a lost notification is logged and counted.
func (s *Service) publish(ctx context.Context, event string, ref models.MapRef, payload ChangeEvent) {
	if err := s.deps.Publisher.Publish(ctx, event, ref.Args(), payload); err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentMapService, ref.String(), err, s.log)
		s.log.Warnf("Failed to publish %s for %s: %v", event, ref, err)
	}
}

// Wait blocks until every in-flight writer call settled or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new writes, waits for in-flight calls until ctx is done and then cancels them.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Wait(ctx)
	s.cancel()

	return err
}
