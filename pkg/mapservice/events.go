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

package mapservice

import (
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

// Event names published on the map scoped topics, with MapRef.Args as arguments.
const (
	EventItemInsert  = "itemInsert"
	EventItemUpdate  = "itemUpdate"
	EventItemDelete  = "itemDelete"
	EventItemRemoved = "itemRemoved"
)

// State tells listeners how far a change has progressed.
type State string

const (
	// StateProvisional is published as soon as a write was accepted locally.
	StateProvisional State = "provisional"
	// StateAccepted is published when the writer answered successfully.
	StateAccepted State = "accepted"
	// StateConfirmed is published when the writer reported the commit.
	StateConfirmed State = "confirmed"
	// StateRejected accompanies EventItemRemoved after a failed or timed out call.
	StateRejected State = "rejected"
)

// ChangeEvent is the payload of every item event.
type ChangeEvent struct {
	State     State                `json:"state"`
	Operation models.OperationKind `json:"operation"`
	ProcessID string               `json:"processId,omitempty"`
	Targets   []models.EntityID    `json:"targets,omitempty"`
	Items     []models.Item        `json:"items,omitempty"`
}

func eventFor(op models.OperationKind) string {
	switch op {
	case models.OperationCreate:
		return EventItemInsert
	case models.OperationUpdate:
		return EventItemUpdate
	default:
		return EventItemDelete
	}
}

// BroadcastOperation is the operation reported by the writer.
type BroadcastOperation string

const (
	BroadcastInsert BroadcastOperation = "insert"
	BroadcastUpdate BroadcastOperation = "update"
	BroadcastDelete BroadcastOperation = "delete"
)

// Broadcast is the body the writer posts after committing entities.
type Broadcast struct {
	Operation BroadcastOperation `json:"operation"`
	Targets   []models.EntityID  `json:"targets"`
}

func (b BroadcastOperation) kind() (models.OperationKind, bool) {
	switch b {
	case BroadcastInsert:
		return models.OperationCreate, true
	case BroadcastUpdate:
		return models.OperationUpdate, true
	case BroadcastDelete:
		return models.OperationDelete, true
	default:
		return "", false
	}
}
