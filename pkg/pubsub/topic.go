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

package pubsub

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

var ErrUnserializable = errors.New("value is not serializable")

// CanonicalTopic derives the topic for an event and its arguments.
//
// Without arguments the topic is the event name. Otherwise it is
// "event:" followed by the JSON of args with object keys sorted recursively,
// case-insensitively and then by exact key, so any permutation of the same
// arguments yields the same topic.
func CanonicalTopic(event string, args map[string]any) (string, error) {
	if len(args) == 0 {
		return event, nil
	}

	// round trip through JSON so structs and typed maps are reduced to plain values
	encoded, err := safejson.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	var plain any
	if err := safejson.Unmarshal(encoded, &plain); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	var buf bytes.Buffer
	buf.WriteString(event)
	buf.WriteByte(':')

	if err := writeCanonical(&buf, plain); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Slice(keys, func(i, j int) bool {
			li, lj := strings.ToLower(keys[i]), strings.ToLower(keys[j])
			if li != lj {
				return li < lj
			}
			return keys[i] < keys[j]
		})

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeScalar(buf, k); err != nil {
				return err
			}

			buf.WriteByte(':')

			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')

		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}

		buf.WriteByte(']')
	default:
		return writeScalar(buf, val)
	}

	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	encoded, err := safejson.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnserializable, err)
	}

	buf.Write(encoded)

	return nil
}
