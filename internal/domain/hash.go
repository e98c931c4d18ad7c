package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// HashData returns a stable hex fingerprint of a JSON payload. The
// payload is canonicalized first so that whitespace and key order
// changes do not produce a different hash. Invalid JSON is hashed as
// raw bytes.
func HashData(raw json.RawMessage) string {
	h := fnv.New64a()
	_, _ = h.Write(canonicalJSON(raw))
	return fmt.Sprintf("%016x", h.Sum64())
}

// DataEqual reports whether two JSON payloads are equal after
// canonicalization.
func DataEqual(a, b json.RawMessage) bool {
	return bytes.Equal(canonicalJSON(a), canonicalJSON(b))
}

func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
