package domain

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// NewID returns a random identifier for day and task rows: 26 lowercase
// characters, unpadded base32 over v4 UUID bytes.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	// Set the version and variant bits per RFC 4122.
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:])
	return strings.ToLower(encoded), nil
}
