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
	"errors"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var (
	ErrRecordNotFound   = errors.New("queue record not found")
	ErrUnserializable   = errors.New("record arguments are not serializable")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Record is one write submitted to the external writer.
// ID is the goque id and reflects creation order; it is not part of the stored value.
type Record struct {
	ID         uint64               `json:"-"`
	Key        string               `json:"key"`
	SessionKey string               `json:"sessionKey"`
	MapRef     models.MapRef        `json:"mapRef"`
	Operation  models.OperationKind `json:"operation"`
	TargetID   models.EntityID      `json:"targetId,omitempty"`
	Args       safejson.RawMessage  `json:"args,omitempty"`
	Status     Status               `json:"status"`
	CreatedAt  time.Time            `json:"createdAt"`
}

func (r Record) Settled() bool {
	return r.Status != StatusPending
}

// Patch decodes the update arguments.
func (r Record) Patch() (models.Patch, error) {
	var p models.Patch
	if len(r.Args) == 0 {
		return p, nil
	}

	err := safejson.Unmarshal(r.Args, &p)

	return p, err
}

// Predicate decides whether a patched item still belongs in the result set, e.g. still inside the queried extent.
type Predicate func(rec Record, patched models.Item) bool
