// Package idgen generates random identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars, e.g. "stl_", "wh_", "evt_".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Hex returns a random hex string of numBytes bytes, up to 16.
func Hex(numBytes int) string {
	u := uuid.New()
	if numBytes > len(u) {
		numBytes = len(u)
	}
	const digits = "0123456789abcdef"
	out := make([]byte, 0, numBytes*2)
	for _, b := range u[:numBytes] {
		out = append(out, digits[b>>4], digits[b&0x0f])
	}
	return string(out)
}
