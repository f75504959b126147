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
	"os"
	"path/filepath"
	"sync"
)

// MockFileSystem is an in-memory Service. Each *Func field, when set,
// replaces the default behavior so tests can inject failures.
type MockFileSystem struct {
	mu    sync.Mutex
	files map[string][]byte

	ReadFileFunc  func(ctx context.Context, path string) ([]byte, error)
	WriteFileFunc func(ctx context.Context, path string, data []byte, perm os.FileMode) error
	RenameFunc    func(ctx context.Context, oldPath, newPath string) error

	WriteCalls  int
	RenameCalls int
}

func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{files: make(map[string][]byte)}
}

func (m *MockFileSystem) EnsureDirectory(ctx context.Context, path string) error {
	return ctx.Err()
}

func (m *MockFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, os.ErrNotExist
	}

	return append([]byte(nil), data...), nil
}

func (m *MockFileSystem) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	m.WriteCalls++
	m.mu.Unlock()

	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(ctx, path, data, perm)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[filepath.Clean(path)] = append([]byte(nil), data...)

	return nil
}

func (m *MockFileSystem) PathExists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.files[filepath.Clean(path)]

	return ok, nil
}

func (m *MockFileSystem) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, filepath.Clean(path))

	return nil
}

func (m *MockFileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	m.RenameCalls++
	m.mu.Unlock()

	if m.RenameFunc != nil {
		return m.RenameFunc(ctx, oldPath, newPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[filepath.Clean(oldPath)]
	if !ok {
		return os.ErrNotExist
	}
	m.files[filepath.Clean(newPath)] = data
	delete(m.files, filepath.Clean(oldPath))

	return nil
}
