package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// secretSize is 32 bytes = 256 bits of entropy.
const secretSize = 32

// VerificationSecret is a freshly generated email-verification secret.
// Raw goes into the emailed link and nowhere else; Hash is what gets stored.
type VerificationSecret struct {
	Raw  string
	Hash string
}

// NewVerificationSecret generates a random 256-bit secret and its SHA-256 hash.
func NewVerificationSecret() (*VerificationSecret, error) {
	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("auth: generating verification secret: %w", err)
	}
	raw := hex.EncodeToString(b)
	return &VerificationSecret{Raw: raw, Hash: HashSecret(raw)}, nil
}

// HashSecret returns the hex SHA-256 of a raw secret. A fast hash is fine
// here: the input is 256 random bits, not a human password.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidSecretFormat reports whether raw could have come from
// NewVerificationSecret, letting callers reject junk before a DB lookup.
func ValidSecretFormat(raw string) error {
	if len(raw) != secretSize*2 {
		return errors.New("auth: verification secret has the wrong length")
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return errors.New("auth: verification secret is not hex")
	}
	return nil
}
