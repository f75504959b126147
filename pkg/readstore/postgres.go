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

package readstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

// Queries are the operator supplied statements.
//
// ItemsInArea and ItemByID must return the columns
// id, map_id, variant, name, geometry (json), attributes (json), last_edited_time.
// Categories must return name, data_sources (text[]), field_keys (text[]), member_count.
// MapIDs returns a single text column.
type Queries struct {
	ItemsInArea string
	ItemByID    string
	MapIDs      string
	Categories  string
}

type Postgres struct {
	pool    *pgxpool.Pool
	log     *zap.SugaredLogger
	queries Queries
}

func NewPostgres(ctx context.Context, connString string, queries Queries) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	return &Postgres{
		pool:    pool,
		log:     logger.For(logger.ComponentReadStore),
		queries: queries,
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) ItemsInArea(ctx context.Context, q AreaQuery) ([]models.Item, error) {
	start := time.Now()
	defer func() { metrics.ObserveReadTime("items_in_area", time.Since(start)) }()

	rows, err := p.pool.Query(ctx, p.queries.ItemsInArea,
		q.MapRef.ID, string(q.MapRef.Variant),
		q.Extent.MinX, q.Extent.MinY, q.Extent.MaxX, q.Extent.MaxY,
		q.Zoom,
	)
	if err != nil {
		return nil, classify("items_in_area", err)
	}

	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, classify("items_in_area", err)
	}

	return items, nil
}

func (p *Postgres) ItemByID(ctx context.Context, id models.EntityID) (models.Item, error) {
	start := time.Now()
	defer func() { metrics.ObserveReadTime("item_by_id", time.Since(start)) }()

	rows, err := p.pool.Query(ctx, p.queries.ItemByID, string(id))
	if err != nil {
		return models.Item{}, classify("item_by_id", err)
	}

	item, err := pgx.CollectOneRow(rows, scanItem)
	if err != nil {
		return models.Item{}, classify("item_by_id", err)
	}

	return item, nil
}

func (p *Postgres) MapIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer func() { metrics.ObserveReadTime("map_ids", time.Since(start)) }()

	rows, err := p.pool.Query(ctx, p.queries.MapIDs)
	if err != nil {
		return nil, classify("map_ids", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("map_ids", err)
	}

	return ids, nil
}

func (p *Postgres) Categories(ctx context.Context, ref models.MapRef) ([]models.Category, error) {
	start := time.Now()
	defer func() { metrics.ObserveReadTime("categories", time.Since(start)) }()

	rows, err := p.pool.Query(ctx, p.queries.Categories, ref.ID, string(ref.Variant))
	if err != nil {
		return nil, classify("categories", err)
	}

	categories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Category, error) {
		var c models.Category
		err := row.Scan(&c.Name, &c.DataSources, &c.FieldKeys, &c.MemberCount)
		return c, err
	})
	if err != nil {
		return nil, classify("categories", err)
	}

	return categories, nil
}

func scanItem(row pgx.CollectableRow) (models.Item, error) {
	var (
		id, mapID, variant, name string
		geometry, attributes     []byte
		lastEdited               time.Time
	)

	if err := row.Scan(&id, &mapID, &variant, &name, &geometry, &attributes, &lastEdited); err != nil {
		return models.Item{}, err
	}

	return decodeItem(id, mapID, variant, name, geometry, attributes, lastEdited)
}

func decodeItem(id, mapID, variant, name string, geometry, attributes []byte, lastEdited time.Time) (models.Item, error) {
	item := models.Item{
		ID:             models.EntityID(id),
		MapRef:         models.MapRef{ID: mapID, Variant: models.Variant(variant)},
		Name:           name,
		LastEditedTime: lastEdited,
	}

	if len(geometry) > 0 {
		if err := safejson.Unmarshal(geometry, &item.Geometry); err != nil {
			return models.Item{}, backoff.NewPermanentError(fmt.Errorf("item %s has invalid geometry: %w", id, err))
		}
	}

	if len(attributes) > 0 {
		if err := safejson.Unmarshal(attributes, &item.Attributes); err != nil {
			return models.Item{}, backoff.NewPermanentError(fmt.Errorf("item %s has invalid attributes: %w", id, err))
		}
	}

	return item, nil
}

// classify maps driver errors onto retry categories.
func classify(query string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return backoff.NewPermanentError(ErrNotFound)
	}

	var categorized *backoff.CategorizedError
	if errors.As(err, &categorized) {
		return err
	}

	wrapped := fmt.Errorf("query %s failed: %w", query, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientSQLState(pgErr.Code) {
			return backoff.NewTransientError(wrapped)
		}

		return backoff.NewPermanentError(wrapped)
	}

	return backoff.CategorizeError(wrapped)
}

// transientSQLState covers connection failures, serialization conflicts and shutdowns.
func transientSQLState(code string) bool {
	if len(code) >= 2 && code[:2] == "08" {
		return true
	}

	switch code {
	case "40001", "40P01", "53300", "57P01", "57P02", "57P03":
		return true
	default:
		return false
	}
}
