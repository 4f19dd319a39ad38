package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"keygate/pkg/contracts/domain"
)

// bindingFile is the local copy of the bound record, so the engine knows
// which code to track after a restart without asking the user to re-enter it.
// It is a convenience mirror: the store and the watermark stay authoritative,
// but the file is still signed so casual edits are rejected rather than
// silently trusted.
type bindingFile struct {
	Code      string                `json:"code"`
	Key       *domain.ActivationKey `json:"key"`
	SavedAt   time.Time             `json:"saved_at"`
	Signature string                `json:"signature"`
}

func saveBinding(path string, secret []byte, key *domain.ActivationKey) error {
	file := bindingFile{
		Code:    key.Code,
		Key:     key,
		SavedAt: time.Now(),
	}
	sig, err := signBinding(secret, file)
	if err != nil {
		return err
	}
	file.Signature = sig

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal binding file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write binding file: %w", err)
	}
	return nil
}

// loadBinding returns the stored record, or (nil, nil) when no usable binding
// exists: absent files and files that fail the signature check both read as
// "not activated yet".
func loadBinding(path string, secret []byte) (*domain.ActivationKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read binding file: %w", err)
	}

	var file bindingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil
	}
	sig, err := signBinding(secret, file)
	if err != nil {
		return nil, err
	}
	if file.Signature != sig || file.Key == nil {
		return nil, nil
	}
	return file.Key, nil
}

func clearBinding(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func signBinding(secret []byte, file bindingFile) (string, error) {
	key, err := deriveFileKey(secret, "binding-record")
	if err != nil {
		return "", err
	}
	payload, _ := json.Marshal(file.Key)
	h := hmac.New(sha256.New, key)
	h.Write([]byte(file.Code))
	h.Write([]byte("|"))
	h.Write(payload)
	h.Write([]byte("|"))
	h.Write([]byte(file.SavedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
