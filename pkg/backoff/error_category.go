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

package backoff

import (
	"context"
	"errors"
)

type ErrorCategory int

const (
	// CategoryIgnored marks an expected error that needs no retry and no report,
	// e.g. a read for an entity that was deleted in the meantime.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient marks an error that may disappear on retry:
	// timeouts, refused connections, 5xx answers, broker hiccups.
	CategoryTransient

	// CategoryPermanent marks an error that will not change on retry:
	// 4xx answers, malformed payloads, invalid configuration.
	CategoryPermanent
)

type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategorizeError keeps an existing category. Cancellation is ignored,
// anything else uncategorized is treated as transient.
func CategorizeError(err error) error {
	if err == nil {
		return nil
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return NewIgnoredError(err)
	}

	return NewTransientError(err)
}

func IsIgnoredError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryIgnored)
}

func IsTransientError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryTransient)
}

func IsPermanentError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryPermanent)
}
