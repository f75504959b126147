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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

var ErrInvalidMapRef = errors.New("map reference needs an id and a known variant")

// Entry is a write that was accepted locally but not yet settled by the gateway.
type Entry struct {
	ProcessID string
	MapRef    models.MapRef
	Kind      models.OperationKind
	// ProvisionalID is the id a created item carries until the writer assigns one. Equal to ProcessID.
	ProvisionalID models.EntityID
	// TargetID is set for updates.
	TargetID  models.EntityID
	Item      models.Item
	CreatedAt time.Time
}

// Overlay holds a session's in-flight writes so its own reads show them immediately.
// It is guarded by the owning session's mutex.
type Overlay struct {
	mu      *sync.Mutex
	newID   func() string
	entries map[string]*Entry
	order   []string
}

func newOverlay(mu *sync.Mutex) *Overlay {
	return &Overlay{
		mu:      mu,
		newID:   uuid.NewString,
		entries: make(map[string]*Entry),
	}
}

func checkRef(ref models.MapRef) error {
	if ref.ID == "" {
		return ErrInvalidMapRef
	}

	if _, err := models.ParseVariant(string(ref.Variant)); err != nil {
		return errors.Join(ErrInvalidMapRef, err)
	}

	return nil
}

// AddPendingCreate records a locally accepted create and returns its process id.
func (o *Overlay) AddPendingCreate(ref models.MapRef, item models.Item) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}

	effective := item.Clone()
	effective.MapRef = ref

	processID := o.add(&Entry{
		MapRef:    ref,
		Kind:      models.OperationCreate,
		Item:      effective,
		CreatedAt: time.Now(),
	})

	return processID, nil
}

// AddPendingUpdate records a locally accepted update of current.
func (o *Overlay) AddPendingUpdate(ref models.MapRef, current models.Item, patch models.Patch) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}

	if current.ID == "" {
		return "", errors.New("cannot overlay an update of an item without id")
	}

	effective := patch.ApplyTo(current)
	effective.MapRef = ref

	processID := o.add(&Entry{
		MapRef:    ref,
		Kind:      models.OperationUpdate,
		TargetID:  current.ID,
		Item:      effective,
		CreatedAt: time.Now(),
	})

	return processID, nil
}

// add stores e under a process id that no live entry uses and returns it.
// A create also takes the id as its provisional item id.
func (o *Overlay) add(e *Entry) string {
	o.mu.Lock()

	processID := o.newID()
	for {
		if _, taken := o.entries[processID]; !taken {
			break
		}
		processID = o.newID()
	}

	e.ProcessID = processID
	if e.Kind == models.OperationCreate {
		e.ProvisionalID = models.EntityID(processID)
		e.Item.ID = e.ProvisionalID
	}

	o.entries[processID] = e
	o.order = append(o.order, processID)
	o.mu.Unlock()

	metrics.AddOverlayEntries(1)

	return processID
}

// Remove drops the entry for processID. Unknown ids are ignored.
func (o *Overlay) Remove(processID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.entries[processID]; !ok {
		return
	}

	delete(o.entries, processID)

	for i, id := range o.order {
		if id == processID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}

	metrics.AddOverlayEntries(-1)
}

// MergeInto returns results followed by a copy of every entry for ref, flagged provisional.
// The results slice and the stored entries are left untouched.
func (o *Overlay) MergeInto(results []models.Item, ref models.MapRef) []models.Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.Item, 0, len(results)+len(o.order))
	out = append(out, results...)

	for _, id := range o.order {
		e := o.entries[id]
		if e.MapRef != ref {
			continue
		}

		item := e.Item.Clone()
		item.Provisional = true
		item.ProcessID = e.ProcessID
		out = append(out, item)
	}

	return out
}

func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.entries)
}

// Entries returns copies in insertion order.
func (o *Overlay) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		e := *o.entries[id]
		e.Item = e.Item.Clone()
		out = append(out, e)
	}

	return out
}
