package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Watermark is the device-local anti-rollback clock watermark: the highest
// wall-clock time this device has ever observed, plus the tamper latch. It is
// exclusively owned by the device and never synchronized through the shared
// store.
//
// The file is HMAC-signed so that editing it by hand is itself detected as
// tampering. It survives restarts; surviving a reinstall depends on the
// configured path living on durable device storage.
type Watermark struct {
	path   string
	secret []byte

	mu           sync.Mutex
	lastObserved time.Time
	tampered     bool
}

// watermarkFile is the on-disk shape.
type watermarkFile struct {
	LastObserved time.Time `json:"last_observed"`
	Tampered     bool      `json:"tampered"`
	Signature    string    `json:"signature"`
}

// OpenWatermark loads the watermark at path, creating an empty one if the
// file does not exist. A file with a bad signature latches the tamper flag
// immediately: a device that edits its own watermark is manipulating its
// clock history.
func OpenWatermark(path string, secret []byte) (*Watermark, error) {
	key, err := deriveFileKey(secret, "clock-watermark")
	if err != nil {
		return nil, err
	}
	w := &Watermark{path: path, secret: key}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark file: %w", err)
	}

	var file watermarkFile
	if err := json.Unmarshal(data, &file); err != nil {
		w.tampered = true
		return w, nil
	}
	if file.Signature != w.sign(file.LastObserved, file.Tampered) {
		w.tampered = true
		return w, nil
	}

	w.lastObserved = file.LastObserved
	w.tampered = file.Tampered
	return w, nil
}

// LastObserved returns the current watermark value.
func (w *Watermark) LastObserved() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastObserved
}

// Tampered reports whether the tamper latch is set.
func (w *Watermark) Tampered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tampered
}

// Observe records one clock reading. It returns the watermark as it stood
// before the reading, which is the value Evaluate must be given, and whether
// the reading moved backward. The watermark only ever advances:
// max(lastObserved, now), persisted on every advance so it survives restarts.
func (w *Watermark) Observe(now time.Time) (previous time.Time, regressed bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous = w.lastObserved
	if now.Before(previous) {
		w.tampered = true
		if err := w.persistLocked(); err != nil {
			return previous, true, err
		}
		return previous, true, nil
	}
	if now.After(previous) {
		w.lastObserved = now
		if err := w.persistLocked(); err != nil {
			return previous, false, err
		}
	}
	return previous, false, nil
}

// ClearTamper drops the tamper latch. Only called when the engine observes an
// explicit admin reset or deletion through the store subscription; the
// watermark itself is kept, so the clock history is not forgotten.
func (w *Watermark) ClearTamper() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.tampered {
		return nil
	}
	w.tampered = false
	return w.persistLocked()
}

func (w *Watermark) persistLocked() error {
	file := watermarkFile{
		LastObserved: w.lastObserved,
		Tampered:     w.tampered,
	}
	file.Signature = w.sign(file.LastObserved, file.Tampered)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermark file: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0600); err != nil {
		return fmt.Errorf("write watermark file: %w", err)
	}
	return nil
}

// sign creates an HMAC-SHA256 signature over the payload fields.
func (w *Watermark) sign(lastObserved time.Time, tampered bool) string {
	payload := fmt.Sprintf("%s|%t", lastObserved.UTC().Format(time.RFC3339Nano), tampered)
	h := hmac.New(sha256.New, w.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
