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

package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGateway matches every error returned by Client.Call.
var ErrGateway = errors.New("external writer call failed")

// Error describes a failed call to the external writer.
type Error struct {
	err        error
	Operation  string
	Body       string
	StatusCode int
	timeout    bool
}

// NewError builds the error for a call to operation. Deadline and network
// timeouts in err mark it as a timeout.
func NewError(operation string, status int, err error) *Error {
	return &Error{
		err:        err,
		Operation:  operation,
		StatusCode: status,
		timeout:    isTimeout(err),
	}
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s returned status %d: %v", ErrGateway, e.Operation, e.StatusCode, e.err)
	}

	return fmt.Sprintf("%s: %s: %v", ErrGateway, e.Operation, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Is(target error) bool {
	return target == ErrGateway
}

// Timeout reports whether the call ran out of time. The writer may still commit it.
func (e *Error) Timeout() bool {
	return e.timeout
}

// Transient reports whether retrying the same call could succeed.
func (e *Error) Transient() bool {
	if e.timeout {
		return false
	}

	switch e.StatusCode {
	case 0:
		// no response at all, unless the caller gave up
		return !isContextError(e.err)
	case 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTimeout unwraps err and reports whether it is a gateway timeout.
func IsTimeout(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Timeout()
}

// enhanceConnectionError adds detailed context to common connection errors
func enhanceConnectionError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "EOF"):
		return fmt.Errorf("connection closed unexpectedly before receiving response: %w (possible causes: network issues, writer restart, or proxy timeout)", err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("connection refused: %w (possible causes: writer down or incorrect URL)", err)
	default:
		return fmt.Errorf("connection error: %w (no response received from writer)", err)
	}
}
