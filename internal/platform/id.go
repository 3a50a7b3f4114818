package platform

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7 string for use as a primary key, so
// cursor pagination on id follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewToken returns n random bytes hex-encoded. It panics if the system
// random source fails, which leaves nothing sensible to continue with.
func NewToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
