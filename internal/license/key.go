package license

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// codePrefix marks every KeyGate activation code.
	codePrefix = "KG"
	// codeAlphabet is the suffix alphabet. Six characters over 36 symbols
	// give a 36^6 space; combined with the issuance timestamp the collision
	// probability is negligible, and the store's per-key atomic write makes
	// a collision a create failure rather than silent corruption.
	codeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeSuffixLen = 6
)

// NewCode generates a fresh activation code: fixed prefix, issuance timestamp
// in base36, and a random suffix drawn from crypto/rand. The suffix is a
// collision guard, not a secrecy guarantee; code guessing is not an in-scope
// threat.
func NewCode(now time.Time) (string, error) {
	stamp := strings.ToUpper(strconv.FormatInt(now.Unix(), 36))

	buf := make([]byte, codeSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	suffix := make([]byte, codeSuffixLen)
	for i, b := range buf {
		suffix[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return fmt.Sprintf("%s-%s-%s", codePrefix, stamp, suffix), nil
}

// NormalizeCode canonicalizes user-entered codes: trims whitespace and
// uppercases, so hand-copied codes survive sloppy entry.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCodeFormat checks the shape of a normalized code before any store
// round-trip is spent on it.
func ValidateCodeFormat(code string) error {
	parts := strings.Split(code, "-")
	if len(parts) != 3 {
		return fmt.Errorf("code must have three dash-separated segments")
	}
	if parts[0] != codePrefix {
		return fmt.Errorf("code must start with %q", codePrefix)
	}
	if len(parts[1]) == 0 {
		return fmt.Errorf("code is missing its timestamp segment")
	}
	if len(parts[2]) != codeSuffixLen {
		return fmt.Errorf("code suffix must be %d characters", codeSuffixLen)
	}
	for _, seg := range parts[1:] {
		for _, r := range seg {
			if !strings.ContainsRune(codeAlphabet, r) {
				return fmt.Errorf("code contains invalid character %q", r)
			}
		}
	}
	return nil
}

// MaskCode redacts the middle of a code for logs and status responses.
func MaskCode(code string) string {
	if len(code) <= 8 {
		return "****"
	}
	return code[:4] + "****" + code[len(code)-4:]
}
