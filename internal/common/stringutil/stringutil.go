// Package stringutil provides common string utility functions.
package stringutil

import (
	"crypto/rand"
	"strings"
)

// urlAlphabet is the URL-safe alphabet used for random identifiers.
const urlAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// RandomIDLength is the length of identifiers produced by RandomID.
const RandomIDLength = 21

// RandomID returns a 21-character URL-safe random identifier, used to name
// per-invocation CLI output files.
func RandomID() string {
	return RandomIDN(RandomIDLength)
}

// RandomIDN returns an n-character URL-safe random identifier.
func RandomIDN(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	var b strings.Builder
	b.Grow(n)
	for _, c := range buf {
		b.WriteByte(urlAlphabet[int(c)&63])
	}
	return b.String()
}

// Truncate truncates a string to a maximum length.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis truncates a string to a maximum length and adds a "..."
// suffix when the string is shortened.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
