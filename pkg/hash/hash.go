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

package hash

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/sha3"
)

// Sha3Hash returns the hex encoded SHA3-256 digest of input.
func Sha3Hash(input string) string {
	sum := sha3.Sum256([]byte(input))

	return hex.EncodeToString(sum[:])
}

// Fingerprint is a short, non-reversible label for secrets such as session
// tokens. Use it in logs, metrics and persisted records instead of the secret.
func Fingerprint(secret string) string {
	return Sha3Hash(secret)[:16]
}

// PartitionKey maps a canonical topic to a fixed width broker key so that all
// envelopes of one topic land on the same partition.
func PartitionKey(topic string) []byte {
	sum := xxhash.Sum64String(topic)

	key := make([]byte, 16)
	hex.Encode(key, []byte{
		byte(sum >> 56), byte(sum >> 48), byte(sum >> 40), byte(sum >> 32),
		byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
	})

	return key
}
