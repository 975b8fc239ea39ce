package httpvfs

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewToken generates a 128-bit opaque URL-safe token.
func NewToken() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
