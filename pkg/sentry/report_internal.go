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

package sentry

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// debounceWindow limits how often the same issue title is sent upstream.
// Logging is never debounced.
const debounceWindow = 2 * time.Hour

var (
	lastSent      = make(map[string]time.Time)
	lastSentMutex sync.Mutex
)

func shouldSend(level sentry.Level, err error) bool {
	if !shouldDebounce {
		return true
	}

	key := string(level) + "/" + getMeaningfulErrorTitle(err)

	lastSentMutex.Lock()
	defer lastSentMutex.Unlock()

	if sent, ok := lastSent[key]; ok && time.Since(sent) < debounceWindow {
		return false
	}

	lastSent[key] = time.Now()

	return true
}

func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("mapsync has encountered a fatal error and will now terminate")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error(err)

	if shouldSend(sentry.LevelError, err) {
		sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
	}
}

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warn(err)

	if shouldSend(sentry.LevelWarning, err) {
		sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
	}
}
