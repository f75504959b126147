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

// Package safejson encodes with goccy/go-json and falls back to encoding/json
// when goccy panics on an unusual type.
package safejson

import (
	jsonstd "encoding/json"
	"errors"
	"reflect"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// RawMessage is re-exported so callers do not import two json packages.
type RawMessage = jsonstd.RawMessage

var errNotPointer = errors.New("decoded must be a non-nil pointer")

func Unmarshal(val []byte, decoded any) (err error) {
	ptr := reflect.ValueOf(decoded)
	if !ptr.IsValid() || ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return errNotPointer
	}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to decode, falling back to stdlib: %v", r)

			err = jsonstd.Unmarshal(val, decoded)
		}
	}()

	return json.Unmarshal(val, decoded)
}

func Marshal(val any) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, falling back to stdlib: %v", r)

			encoded, err = jsonstd.Marshal(val)
		}
	}()

	return json.Marshal(val)
}

// MustMarshal marshals val and panics on failure. Only for values whose
// shape is fixed at compile time.
func MustMarshal(val any) []byte {
	encoded, err := Marshal(val)
	if err != nil {
		panic(err)
	}

	return encoded
}
