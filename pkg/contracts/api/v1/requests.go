// Package api contains API contract definitions for the KeyGate admin console
// and licensed application surfaces. Version v1 is the current stable version.
package api

import (
	"time"

	"keygate/pkg/contracts/domain"
)

// Issuer surface requests

// IssueKeyRequest asks the issuer to create a new activation key.
type IssueKeyRequest struct {
	ClientName   string `json:"client_name" validate:"required,min=1,max=120"`
	ClientPhone  string `json:"client_phone,omitempty" validate:"omitempty,max=32"`
	ClientNotes  string `json:"client_notes,omitempty" validate:"omitempty,max=1024"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0"`
}

// Engine surface requests

// ActivateRequest asks the engine to redeem a code on this device. DeviceID
// is optional; when empty the engine derives one from the local hardware.
type ActivateRequest struct {
	Code     string `json:"code" validate:"required,min=8"`
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,max=128"`
}

// Responses

// KeyResponse wraps a single activation key record.
type KeyResponse struct {
	Key       *domain.ActivationKey `json:"key"`
	TraceID   string                `json:"trace_id,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// KeyListResponse wraps the full record set for the admin listing view.
type KeyListResponse struct {
	Keys      []*domain.ActivationKey `json:"keys"`
	Count     int                     `json:"count"`
	Timestamp time.Time               `json:"timestamp"`
}

// ActivationResponse reports the outcome of an activation attempt.
type ActivationResponse struct {
	Success     bool                  `json:"success"`
	Message     string                `json:"message,omitempty"`
	Key         *domain.ActivationKey `json:"key,omitempty"`
	ActivatedAt *time.Time            `json:"activated_at,omitempty"`
	TraceID     string                `json:"trace_id,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// VerdictResponse reports the engine's current gating decision.
type VerdictResponse struct {
	Verdict       domain.Verdict `json:"verdict"`
	Code          string         `json:"code,omitempty"` // masked
	DeviceID      string         `json:"device_id,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	DaysRemaining int            `json:"days_remaining"`
	Timestamp     time.Time      `json:"timestamp"`
}
