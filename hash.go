package rxstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashParams is the default request hasher: the canonical JSON encoding of
// params hashed with SHA-256, truncated to a short hex digest.
// encoding/json emits map keys in sorted order, so structurally equal maps
// hash identically regardless of insertion order. Values that cannot be
// marshalled fall back to their Go-syntax representation.
func HashParams(params any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", params))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
