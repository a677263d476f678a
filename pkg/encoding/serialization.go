// Package encoding pairs JSON encoding with an xxhash integrity checksum over
// the encoded bytes. The cache uses it to detect silent entry corruption.
package encoding

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Marshal encodes v as JSON and returns the encoding together with its
// integrity checksum.
func Marshal(v any) ([]byte, uint64, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return encoded, xxhash.Sum64(encoded), nil
}

// Verify re-encodes v and reports whether it still matches checksum. An
// unencodable value never verifies.
func Verify(v any, checksum uint64) bool {
	encoded, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return xxhash.Sum64(encoded) == checksum
}
