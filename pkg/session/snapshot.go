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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/service/filesystem"
)

// SnapshotEntry is the persisted form of one session.
type SnapshotEntry struct {
	CurrentMap models.MapRef `json:"currentMap"`
	Expiry     time.Time     `json:"expiry"`
}

// Snapshot maps tokens to their persisted state.
type Snapshot map[string]SnapshotEntry

// SnapshotStore persists the whole registry. Save replaces the previous snapshot.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	if snap == nil {
		snap = Snapshot{}
	}

	return safejson.Marshal(snap)
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	snap := Snapshot{}
	if len(data) == 0 {
		return snap, nil
	}

	if err := safejson.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}

	return snap, nil
}

// FileSnapshotStore writes the snapshot next to its final path and renames it into place.
type FileSnapshotStore struct {
	fs   filesystem.Service
	path string
}

func NewFileSnapshotStore(fs filesystem.Service, path string) *FileSnapshotStore {
	return &FileSnapshotStore{fs: fs, path: path}
}

func (f *FileSnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := f.fs.ReadFile(ctx, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read session snapshot: %w", err)
	}

	return decodeSnapshot(data)
}

func (f *FileSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	if err := f.fs.EnsureDirectory(ctx, filepath.Dir(f.path)); err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := f.fs.WriteFile(ctx, tmp, data, 0o600); err != nil {
		return err
	}

	return f.fs.Rename(ctx, tmp, f.path)
}

// RedisSnapshotStore keeps the snapshot as a single JSON value.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisSnapshotStore(client redis.UniversalClient, key string) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, key: key}
}

func (r *RedisSnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get session snapshot from redis: %w", err)
	}

	return decodeSnapshot(data)
}

func (r *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store session snapshot in redis: %w", err)
	}

	return nil
}
