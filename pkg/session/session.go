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
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
)

var (
	ErrInvalidToken    = errors.New("invalid session token")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// tokenBytes is 128 bits, hex encoded to 32 characters.
const tokenBytes = 16

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

func validToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}

	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// IsSessionError reports whether err means the client has to handshake again.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired)
}

// Session is the per connection state. All fields are guarded by mu, which the overlay shares.
type Session struct {
	mu         sync.Mutex
	token      string
	currentMap models.MapRef
	expiry     time.Time
	overlay    *Overlay
}

func newSession(token string, ref models.MapRef, expiry time.Time) *Session {
	s := &Session{
		token:      token,
		currentMap: ref,
		expiry:     expiry,
	}
	s.overlay = newOverlay(&s.mu)

	return s
}

func (s *Session) Token() string {
	return s.token
}

func (s *Session) CurrentMap() models.MapRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentMap
}

func (s *Session) SetCurrentMap(ref models.MapRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentMap = ref
}

func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.expiry
}

func (s *Session) Overlay() *Overlay {
	return s.overlay
}

// extend moves expiry forward only.
func (s *Session) extend(until time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until.After(s.expiry) {
		s.expiry = until
	}

	return s.expiry
}

func (s *Session) expiredAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !now.Before(s.expiry)
}

func (s *Session) snapshotEntry() SnapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SnapshotEntry{CurrentMap: s.currentMap, Expiry: s.expiry}
}
