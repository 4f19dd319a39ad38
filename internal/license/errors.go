package license

import (
	"errors"
	"fmt"
	"time"

	"keygate/pkg/contracts/domain"
)

// ValidationError reports bad input to an issuer or engine operation. It is
// recovered locally: the caller re-prompts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown activation code. Surfaced to the user as
// "invalid code".
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("activation key %q not found", e.Code)
}

// ConflictError reports a lost activation race: another device completed the
// conditional write first. Not retried automatically, since retrying would
// rebind the key to the wrong device.
type ConflictError struct {
	Code string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("activation key %q was activated concurrently by another device", e.Code)
}

// AlreadyUsedError reports an activation attempt against a key that already
// carries a binding. It exposes the existing binding so the caller can treat
// re-entry from the same device as success and reject a foreign device.
type AlreadyUsedError struct {
	Code        string
	Status      domain.KeyStatus
	DeviceID    string
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("activation key %q is already %s on device %s", e.Code, e.Status, e.DeviceID)
}

// SameDevice reports whether the existing binding belongs to the given device.
func (e *AlreadyUsedError) SameDevice(deviceID string) bool {
	return deviceID != "" && e.DeviceID == deviceID
}

// RateLimitedError reports that the attempt limiter blocked an activation.
type RateLimitedError struct {
	DeviceID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many activation attempts from device %s, retry after %s", e.DeviceID, e.RetryAfter)
}

// StoreUnavailableError wraps a store connectivity failure. Safe to retry
// with backoff: the failed call carries no state-mutation risk.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is transient and safe to retry.
func IsRetryable(err error) bool {
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable)
}
