package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/hkdf"
)

const (
	// SecretPrefix marks a string as an API key for humans and secret scanners.
	SecretPrefix = "iot_"
	// SecretBodyLength is the number of random characters after the prefix.
	SecretBodyLength = 32
	// DisplayPrefixLength is how much of the key is kept for display.
	DisplayPrefixLength = 12

	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	minHashSecret  = 32
)

var secretPattern = regexp.MustCompile(`^iot_[A-Za-z0-9]{32}$`)

// WellFormed reports whether s has the exact shape of an API key.
func WellFormed(s string) bool {
	return secretPattern.MatchString(s)
}

// GenerateSecret returns a new random API key.
func GenerateSecret() (string, error) {
	return generateSecret(rand.Reader)
}

func generateSecret(r io.Reader) (string, error) {
	// Rejection sampling keeps the distribution uniform over the alphabet.
	const maxByte = 256 - (256 % len(secretAlphabet))

	out := make([]byte, 0, len(SecretPrefix)+SecretBodyLength)
	out = append(out, SecretPrefix...)
	buf := make([]byte, SecretBodyLength)
	for len(out) < cap(out) {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == cap(out) {
				break
			}
		}
	}
	return string(out), nil
}

// DisplayPrefix returns the non-secret leading part of a key.
func DisplayPrefix(secret string) string {
	if len(secret) < DisplayPrefixLength {
		return secret
	}
	return secret[:DisplayPrefixLength]
}

// Hasher computes the stored form of an API key. It is a keyed HMAC-SHA-256:
// deterministic for lookup, and useless for offline guessing without the
// server-side key.
type Hasher struct {
	key []byte
}

// NewHasher derives the HMAC key from the configured hashing secret.
func NewHasher(secret string) (*Hasher, error) {
	if len(secret) < minHashSecret {
		return nil, errors.New("api key hash secret must be at least 32 bytes")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("iotgate/api-key-hash"), []byte("v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive api key hash key: %w", err)
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex-encoded keyed hash of secret.
func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hex hashes in constant time.
func Equal(a, b string) bool {
	ab, err1 := hex.DecodeString(a)
	bb, err2 := hex.DecodeString(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(ab, bb)
}
