package idempotency

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the exclusive upper bound on key length in bytes
const MaxKeyLength = 50

// ErrInvalidKey is returned for keys that are empty or too long
var ErrInvalidKey = errors.New("invalid idempotency key")

// Key is a client-supplied token that scopes request deduplication to one actor
type Key string

// ParseKey validates s as an idempotency key
func ParseKey(s string) (Key, error) {
	if s == "" {
		return "", fmt.Errorf("%w: cannot be empty", ErrInvalidKey)
	}
	if len(s) >= MaxKeyLength {
		return "", fmt.Errorf("%w: must be shorter than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	// Postgres text columns reject both
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: must be valid UTF-8 without NUL bytes", ErrInvalidKey)
	}
	return Key(s), nil
}

func (k Key) String() string {
	return string(k)
}
