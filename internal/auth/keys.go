package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyPrefix marks gateway API keys so leaked secrets are attributable.
const KeyPrefix = "pk_"

// displayPrefixLen is how much of the plaintext is stored for display.
const displayPrefixLen = 11

// GenerateKey creates a new API key. The plaintext is returned exactly
// once; only the digest and a short display prefix are ever stored.
func GenerateKey() (plaintext, digest, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext = KeyPrefix + hex.EncodeToString(buf)
	return plaintext, DigestKey(plaintext), plaintext[:displayPrefixLen], nil
}

// DigestKey returns the hex SHA-256 digest under which a key is stored
// and looked up.
func DigestKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
