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

package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
)

// DefaultService is the os backed implementation of Service.
type DefaultService struct{}

// NewDefaultService creates a new DefaultService.
func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

// run executes fn in a goroutine and returns early when ctx is done.
// The goroutine is left to finish on its own; os calls cannot be interrupted.
func run[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	start := time.Now()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		val T
		err error
	}

	resCh := make(chan result, 1)

	go func() {
		val, err := fn()
		resCh <- result{val: val, err: err}
	}()

	select {
	case res := <-resCh:
		metrics.RecordFilesystemOp(op, res.err, time.Since(start))
		return res.val, res.err
	case <-ctx.Done():
		err := ctx.Err()
		metrics.RecordFilesystemOp(op, err, time.Since(start))
		return zero, err
	}
}

func (s *DefaultService) EnsureDirectory(ctx context.Context, path string) error {
	_, err := run(ctx, "EnsureDirectory", func() (struct{}, error) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return struct{}{}, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		return struct{}{}, nil
	})

	return err
}

func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return run(ctx, "ReadFile", func() ([]byte, error) {
		return os.ReadFile(path)
	})
}

func (s *DefaultService) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	_, err := run(ctx, "WriteFile", func() (struct{}, error) {
		if err := os.WriteFile(path, data, perm); err != nil {
			return struct{}{}, fmt.Errorf("failed to write file %s: %w", path, err)
		}
		return struct{}{}, nil
	})

	return err
}

func (s *DefaultService) PathExists(ctx context.Context, path string) (bool, error) {
	return run(ctx, "PathExists", func() (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	})
}

func (s *DefaultService) Remove(ctx context.Context, path string) error {
	_, err := run(ctx, "Remove", func() (struct{}, error) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return struct{}{}, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return struct{}{}, nil
	})

	return err
}

func (s *DefaultService) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := run(ctx, "Rename", func() (struct{}, error) {
		if err := os.Rename(oldPath, newPath); err != nil {
			return struct{}{}, fmt.Errorf("failed to rename file %s to %s: %w", oldPath, newPath, err)
		}
		return struct{}{}, nil
	})

	return err
}
