package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex identifier, optionally prefixed ("jti_ab12...").
func NewID(prefix string) string {
	id := RandomHex(16)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
