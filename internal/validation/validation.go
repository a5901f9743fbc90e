package validation

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrTooLong rejects content past the configured length cap.
var ErrTooLong = errors.New("message content exceeds maximum length")

func MaxMessageLength() int {
	maxStr := os.Getenv("MAX_MESSAGE_LENGTH")
	if maxStr == "" {
		return 4000
	}
	max, err := strconv.Atoi(maxStr)
	if err != nil || max < 1 {
		return 4000
	}
	return max
}

// CheckMessage trims surrounding whitespace and enforces the length cap.
// The cap counts runes, not bytes, so multi-byte content is never split.
func CheckMessage(s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		return "", ErrTooLong
	}
	return s, nil
}
