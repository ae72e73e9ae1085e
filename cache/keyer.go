package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives a deterministic cache key from an operation name and its
// parameters: fortify:<operation>:<first 16 hex chars of SHA-256(JSON(params))>.
// Map keys are sorted by the JSON encoding, so equal parameters always give
// equal keys.
func Key(operation string, params any) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: failed to encode params: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return fmt.Sprintf("fortify:%s:%s", operation, hex.EncodeToString(sum[:8])), nil
}
