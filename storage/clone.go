package storage

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Clone deep-copies a JSON value tree.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	}

	return v
}

// CloneMap deep-copies a JSON object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		out[k] = Clone(item)
	}

	return out
}

// Fingerprint hashes the canonical JSON encoding of v (object keys are sorted by encoding/json).
func Fingerprint(v any) uint64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}

	return xxhash.Sum64(raw)
}

// Equal compares two JSON value trees.
func Equal(a, b any) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}

	return string(rawA) == string(rawB)
}

// isEmpty checks if a set value means "remove the field".
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}

	return false
}
