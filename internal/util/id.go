package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as "<prefix>_<hex>".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NormalizeAddress canonicalizes a governor address for storage keys.
// SS58 addresses are case-sensitive and only trimmed; hex keys are lowercased.
func NormalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return strings.ToLower(trimmed)
	}
	return trimmed
}
