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

// Package readstore reads committed map content from the relational store.
// SQL is supplied by the operator; this package only binds parameters and decodes rows.
package readstore

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

var ErrNotFound = errors.New("item not found")

// AreaQuery selects the items of one map variant inside an extent.
type AreaQuery struct {
	MapRef models.MapRef
	Extent models.Extent
	Zoom   int
}

type Reader interface {
	ItemsInArea(ctx context.Context, q AreaQuery) ([]models.Item, error)
	ItemByID(ctx context.Context, id models.EntityID) (models.Item, error)
}

type CategorySource interface {
	MapIDs(ctx context.Context) ([]string, error)
	Categories(ctx context.Context, ref models.MapRef) ([]models.Category, error)
}

// Store is everything the Postgres adapter serves.
type Store interface {
	Reader
	CategorySource
}
