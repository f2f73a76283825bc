// Package checksum computes content digests used for If-Match concurrency
// checks and change detection.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// JSON digests a JSON document after compacting it, so insignificant
// whitespace does not change the result. Invalid JSON is hashed verbatim.
func JSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Sum(raw)
	}
	return Sum(buf.Bytes())
}
