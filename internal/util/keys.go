package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into a KeySize key bound to the given purpose.
func DeriveKey(secret, salt []byte, purpose string) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, []byte(purpose))
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// NewKeyHex returns a fresh random KeySize key, hex encoded.
func NewKeyHex() (string, error) {
	k, err := RandomBytes(KeySize)
	if err != nil {
		return "", err
	}
	defer Wipe(k)
	return hex.EncodeToString(k), nil
}

// ParseKeyHex decodes a hex key and enforces a minimum length.
func ParseKeyHex(s string, minLen int) ([]byte, error) {
	k, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(k) < minLen {
		Wipe(k)
		return nil, fmt.Errorf("key too short: got %d bytes, want at least %d", len(k), minLen)
	}
	return k, nil
}

// HashIdentifier returns the hex SHA-256 of s. Used wherever a raw
// identifier must not appear in logs, audit records or storage keys.
func HashIdentifier(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Wipe best-effort zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
