// Package license implements the KeyGate activation engine and key issuer.
//
// # Architecture Overview
//
// The package is split along the two processes that share the record store:
//
//	- Issuer: runs inside the admin console; creates, resets and deletes
//	  activation-key records (issuer.go)
//	- Engine: runs inside the protected application; redeems a code, binds it
//	  to the current device, and derives the gating verdict (engine.go)
//	- Evaluate: the pure decision function both of them agree on (verdict.go)
//	- Watermark: the device-local anti-rollback clock watermark (watermark.go)
//
// Supporting pieces: activation code generation (key.go), a TTL record cache
// (cache.go), an activation attempt limiter (limiter.go), hardware-derived
// device identity (fingerprint.go), health snapshots (health.go) and
// OpenTelemetry instruments (metrics.go).
//
// # Verdict Flow
//
// Every foreground evaluation runs the same four steps, in order:
//
//	1. No record, or record still unused       -> inactive
//	2. Local clock behind the watermark        -> tampered
//	3. Local clock past the expiry timestamp   -> expired
//	4. Otherwise                               -> active
//
// The tamper check runs before the expiry check on purpose: a rolled-back
// clock must not be able to resurrect an expired license.
//
// # Tamper Model
//
// The only tamper signal is backward movement of the wall clock relative to
// the highest time this device has ever observed. The watermark is persisted
// locally, HMAC-signed, and never regressed. This is a heuristic: forged
// forward progression is out of scope, as is surviving a reinstall that
// deletes the watermark file.
//
// # Error Handling
//
// Failed activations surface as typed errors (errors.go): ValidationError,
// NotFoundError, ConflictError, AlreadyUsedError, RateLimitedError and
// StoreUnavailableError. Expiry and tampering are not errors; they are
// first-class Verdict values the shell is expected to render.
package license
