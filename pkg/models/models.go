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

// Package models holds the domain types shared by every mapsync component.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Variant distinguishes the two parallel editions of every map.
type Variant string

const (
	VariantReal    Variant = "real"
	VariantVirtual Variant = "virtual"
)

// ErrUnknownVariant is returned by ParseVariant.
var ErrUnknownVariant = errors.New("unknown map variant")

// Variants lists every variant in a stable order.
func Variants() []Variant {
	return []Variant{VariantReal, VariantVirtual}
}

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantReal, VariantVirtual:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// MapRef identifies one variant of one map.
type MapRef struct {
	ID      string  `json:"id"`
	Variant Variant `json:"variant"`
}

func (m MapRef) String() string {
	return m.ID + "/" + string(m.Variant)
}

// Args returns the topic arguments used for every map scoped event.
func (m MapRef) Args() map[string]any {
	return map[string]any{"mapId": m.ID, "variant": string(m.Variant)}
}

type EntityID string

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

type Geometry struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// Extent is an axis aligned bounding box.
type Extent struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Intersects reports whether the bounding box of g overlaps e. Empty geometries never intersect.
func (e Extent) Intersects(g Geometry) bool {
	if len(g.Coordinates) == 0 {
		return false
	}

	first := true
	var minX, minY, maxX, maxY float64

	for _, c := range g.Coordinates {
		if len(c) < 2 {
			continue
		}
		if first {
			minX, maxX, minY, maxY = c[0], c[0], c[1], c[1]
			first = false
			continue
		}
		minX = min(minX, c[0])
		maxX = max(maxX, c[0])
		minY = min(minY, c[1])
		maxY = max(maxY, c[1])
	}

	if first {
		return false
	}

	return minX <= e.MaxX && maxX >= e.MinX && minY <= e.MaxY && maxY >= e.MinY
}

type Item struct {
	ID             EntityID       `json:"id"`
	MapRef         MapRef         `json:"mapRef"`
	Name           string         `json:"name"`
	Geometry       Geometry       `json:"geometry"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	LastEditedTime time.Time      `json:"lastEditedTime"`
	// Provisional marks items that only exist in a session overlay.
	Provisional bool   `json:"provisional,omitempty"`
	ProcessID   string `json:"processId,omitempty"`
}

// Clone returns a deep copy; slices and attribute maps are not shared.
func (i Item) Clone() Item {
	var out Item
	if err := deepcopy.Copy(&out, &i); err != nil {
		// only reachable for attribute values deepcopy cannot handle, fall back to a shallow copy
		out = i
	}

	return out
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name       *string        `json:"name,omitempty"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ApplyTo returns a copy of item with the patch applied. Attribute keys merge key-wise.
func (p Patch) ApplyTo(item Item) Item {
	out := item.Clone()

	if p.Name != nil {
		out.Name = *p.Name
	}

	if p.Geometry != nil {
		var g Geometry
		if err := deepcopy.Copy(&g, p.Geometry); err != nil {
			g = *p.Geometry
		}
		out.Geometry = g
	}

	if len(p.Attributes) > 0 {
		if out.Attributes == nil {
			out.Attributes = make(map[string]any, len(p.Attributes))
		}
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}

	return out
}

// Category is one derived grouping of a map's items.
type Category struct {
	Name        string   `json:"name"`
	DataSources []string `json:"dataSources"`
	FieldKeys   []string `json:"fieldKeys,omitempty"`
	MemberCount int      `json:"memberCount"`
}
