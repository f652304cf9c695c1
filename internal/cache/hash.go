package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// version is folded into every cache key. Bumping it invalidates all
// previously cached results after a change to stage semantics.
const version = "1"

// canonicalJSON renders v as JSON with object keys sorted, so two
// logically equal inputs always produce the same bytes regardless of
// the key order they arrived with.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling input: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("normalizing input: %w", err)
	}
	return json.Marshal(norm)
}

// Derive computes the content-addressed key for a stage input:
// SHA-256 over the stage name, the cache version, and the canonical
// JSON form of the input.
func Derive(stage string, input any) (string, error) {
	payload, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Chain derives the key for a stage that consumes the previous stage's
// output. The predecessor hash is part of the keyed payload, so any
// upstream change invalidates every downstream key.
func Chain(stage, prevHash string, params any) (string, error) {
	return Derive(stage, map[string]any{
		"prev":   prevHash,
		"params": params,
	})
}
