package storage

import (
	"math/rand"
	"strings"
)

// StrongEtag remove "W/" prefix and quotes from ETag.
// In some cases S3 return ETag with "W/" prefix which mean that it not strong ETag.
// For easier compare we remove this prefix.
func StrongEtag(s *string) string {
	if s == nil {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(*s, "W/"), `"`)
}

// ErrHandlingMask selects which listing errors are logged and skipped instead of failing the listing.
type ErrHandlingMask uint8

// Listing error handling flags.
const (
	HandleErrNotExist ErrHandlingMask = 1 << iota
	HandleErrPermission
	HandleErrOther
)

// Has reports whether flag is set.
func (m ErrHandlingMask) Has(flag ErrHandlingMask) bool {
	return m&flag != 0
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GetInsecureRandString return random string for temp file names.
func GetInsecureRandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
