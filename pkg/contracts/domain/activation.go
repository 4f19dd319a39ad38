// Package domain contains the shared data contract between the admin console
// (key issuer) and the protected application (activation engine). Both
// processes exchange these types through the record store, so the shapes here
// are wire-stable.
package domain

import (
	"fmt"
	"time"
)

// KeyStatus is the persisted lifecycle state of an activation key.
//
// StatusTampered is a client-local overlay: the engine reports it through a
// Verdict, and the remote record is not required to carry it.
type KeyStatus string

const (
	StatusUnused    KeyStatus = "unused"
	StatusActivated KeyStatus = "activated"
	StatusExpired   KeyStatus = "expired"
	StatusTampered  KeyStatus = "tampered"
)

// ClientInfo is descriptive metadata attached to a key at issuance.
// It is informational only and never participates in gating decisions.
type ClientInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// ActivationKey is one issued license record. The code doubles as the
// record's key in the store.
//
// DeviceID, ActivatedAt and ExpiresAt form the binding: they are either all
// empty or all set. They are written exactly once, by the first successful
// activation, and only an explicit admin reset clears them. ExpiresAt is
// computed at activation time and never recomputed.
type ActivationKey struct {
	Code         string     `json:"code"`
	Client       ClientInfo `json:"client"`
	DurationDays int        `json:"duration_days"`
	Status       KeyStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DeviceID     string     `json:"device_id,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Bound reports whether the key has been bound to a device.
func (k *ActivationKey) Bound() bool {
	return k.DeviceID != "" && k.ActivatedAt != nil && k.ExpiresAt != nil
}

// Bind writes the device binding onto the key. ExpiresAt is derived from
// DurationDays at the moment of binding.
func (k *ActivationKey) Bind(deviceID string, now time.Time) {
	expires := now.Add(time.Duration(k.DurationDays) * 24 * time.Hour)
	k.DeviceID = deviceID
	k.ActivatedAt = &now
	k.ExpiresAt = &expires
	k.Status = StatusActivated
}

// ClearBinding nulls the binding fields and returns the key to unused.
// Code, DurationDays, CreatedAt and Client are untouched.
func (k *ActivationKey) ClearBinding() {
	k.DeviceID = ""
	k.ActivatedAt = nil
	k.ExpiresAt = nil
	k.Status = StatusUnused
}

// StatusAt recomputes the persisted status as a function of wall-clock time.
// Expiry is derived on every read and never stored as an irreversible write.
func (k *ActivationKey) StatusAt(now time.Time) KeyStatus {
	if !k.Bound() {
		return StatusUnused
	}
	if now.After(*k.ExpiresAt) {
		return StatusExpired
	}
	return StatusActivated
}

// Validate checks the record invariants: positive duration and the
// all-or-none binding rule.
func (k *ActivationKey) Validate() error {
	if k.Code == "" {
		return fmt.Errorf("activation key has empty code")
	}
	if k.DurationDays <= 0 {
		return fmt.Errorf("activation key %s has non-positive duration %d", k.Code, k.DurationDays)
	}
	set := 0
	if k.DeviceID != "" {
		set++
	}
	if k.ActivatedAt != nil {
		set++
	}
	if k.ExpiresAt != nil {
		set++
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("activation key %s has a partial device binding", k.Code)
	}
	if set == 0 && k.Status != StatusUnused {
		return fmt.Errorf("activation key %s is %s but carries no binding", k.Code, k.Status)
	}
	return nil
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing the timestamp pointers.
func (k *ActivationKey) Clone() *ActivationKey {
	if k == nil {
		return nil
	}
	out := *k
	if k.ActivatedAt != nil {
		t := *k.ActivatedAt
		out.ActivatedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Equal compares two records field by field. Used to make repeated change
// notifications idempotent.
func (k *ActivationKey) Equal(other *ActivationKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.Code != other.Code ||
		k.Client != other.Client ||
		k.DurationDays != other.DurationDays ||
		k.Status != other.Status ||
		!k.CreatedAt.Equal(other.CreatedAt) ||
		k.DeviceID != other.DeviceID {
		return false
	}
	return timePtrEqual(k.ActivatedAt, other.ActivatedAt) && timePtrEqual(k.ExpiresAt, other.ExpiresAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
