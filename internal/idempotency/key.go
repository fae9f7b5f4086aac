// Package idempotency guarantees that a logical provider operation runs at
// most once per key. Records live in a Backend (Redis in production) and are
// created with an atomic set-if-absent, which is the only cross-process
// synchronization point in the engine.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keyLength is the number of hex characters kept from the SHA-256 digest.
const keyLength = 32

// GenerateKey derives a deterministic key for a provider operation on a
// business entity. Map keys are sorted by encoding/json, so extra params
// produce the same key regardless of insertion order.
func GenerateKey(provider, operation, entityID string, extra map[string]any) string {
	if extra == nil {
		extra = map[string]any{}
	}
	canonical, err := json.Marshal(map[string]any{
		"provider":  provider,
		"operation": operation,
		"entity_id": entityID,
		"params":    extra,
	})
	if err != nil {
		// Unencodable params still need a stable key.
		canonical = []byte(fmt.Sprintf("%s|%s|%s|%v", provider, operation, entityID, extra))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:keyLength]
}

// HashRequest fingerprints the exact request parameters stored alongside a
// key. Two different requests sharing a key are detected by comparing it.
func HashRequest(requestData map[string]any) (string, error) {
	if requestData == nil {
		requestData = map[string]any{}
	}
	canonical, err := json.Marshal(requestData)
	if err != nil {
		return "", fmt.Errorf("hash request data: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
