package model

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Value is a structured result payload. It holds the shapes produced by
// encoding/json decoding: nil, bool, float64, string, []any, map[string]any.
// A nil Value means "no value".
type Value = any

// Fingerprint identifies the context that triggered a request.
// It is used for rerun suppression only.
type Fingerprint uint64

// ComputeFingerprint hashes (sourceID, value). Map keys are encoded in sorted
// order so equal values always produce equal fingerprints.
func ComputeFingerprint(sourceID string, value Value) Fingerprint {
	d := xxhash.New()
	_, _ = d.WriteString(sourceID)
	_, _ = d.Write([]byte{0})
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", value))
	}
	_, _ = d.Write(encoded)
	return Fingerprint(d.Sum64())
}
