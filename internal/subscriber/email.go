package subscriber

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidEmail is returned for strings that are not a bare email address
var ErrInvalidEmail = errors.New("invalid subscriber email")

// Email is a validated recipient address
type Email string

// ParseEmail accepts only a bare addr-spec such as "ursula@example.com".
// Display names, angle brackets and surrounding whitespace are rejected.
func ParseEmail(s string) (Email, error) {
	if s == "" || strings.TrimSpace(s) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return Email(s), nil
}

func (e Email) String() string {
	return string(e)
}
