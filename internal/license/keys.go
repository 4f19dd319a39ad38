package license

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// deriveFileKey expands the device secret into a purpose-bound signing key
// using HKDF-SHA256. The watermark and binding files share one configured
// secret but sign with distinct keys, so one file cannot stand in for the
// other.
func deriveFileKey(secret []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(purpose))

	key := make([]byte, sha256.Size)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
