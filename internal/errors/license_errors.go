package errors

import (
	"errors"
	"net/http"
	"time"

	"keygate/internal/license"
)

// License error codes shared by both HTTP surfaces.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeKeyNotFound      = "KEY_NOT_FOUND"
	CodeActivationRace   = "ACTIVATION_CONFLICT"
	CodeAlreadyActivated = "ALREADY_ACTIVATED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// BindingDetails exposes an existing device binding in an error response so
// the caller can decide whether re-entry from the same device counts as
// success.
type BindingDetails struct {
	Code        string     `json:"code"`
	Status      string     `json:"status"`
	DeviceID    string     `json:"device_id"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// FromLicenseError maps a domain error from the license package onto the API
// error envelope. Unrecognized errors map to a plain 500.
func FromLicenseError(err error) *APIError {
	var (
		validation  *license.ValidationError
		notFound    *license.NotFoundError
		conflict    *license.ConflictError
		alreadyUsed *license.AlreadyUsedError
		rateLimited *license.RateLimitedError
		unavailable *license.StoreUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		return NewWithDetails(http.StatusBadRequest, CodeValidationFailed,
			"Request validation failed", FieldError{
				Field:   validation.Field,
				Message: validation.Message,
			})

	case errors.As(err, &notFound):
		return NewWithDetails(http.StatusNotFound, CodeKeyNotFound,
			"The activation code was not found", license.MaskCode(notFound.Code))

	case errors.As(err, &conflict):
		return New(http.StatusConflict, CodeActivationRace,
			"The code was activated on another device first")

	case errors.As(err, &alreadyUsed):
		details := BindingDetails{
			Code:     license.MaskCode(alreadyUsed.Code),
			Status:   string(alreadyUsed.Status),
			DeviceID: alreadyUsed.DeviceID,
		}
		if !alreadyUsed.ActivatedAt.IsZero() {
			t := alreadyUsed.ActivatedAt
			details.ActivatedAt = &t
		}
		if !alreadyUsed.ExpiresAt.IsZero() {
			t := alreadyUsed.ExpiresAt
			details.ExpiresAt = &t
		}
		return NewWithDetails(http.StatusConflict, CodeAlreadyActivated,
			"This code is already bound to a device", details)

	case errors.As(err, &rateLimited):
		return NewWithDetails(http.StatusTooManyRequests, CodeRateLimited,
			"Too many activation attempts, try again later",
			map[string]interface{}{"retry_after_seconds": int(rateLimited.RetryAfter.Seconds())})

	case errors.As(err, &unavailable):
		return NewWithDetails(http.StatusServiceUnavailable, CodeStoreUnavailable,
			"The record store is temporarily unreachable, retry with backoff",
			unavailable.Op)

	default:
		return ErrInternalServer
	}
}
