package domain

// Verdict is the engine's current gating decision. The application shell maps
// it to one of three UI modes: run the app, show a locked screen with the
// reason, or show the activation prompt. That mapping is the shell's concern.
type Verdict string

const (
	// VerdictInactive means no key is bound on this device; the shell should
	// offer the activation prompt.
	VerdictInactive Verdict = "inactive"
	// VerdictActive means the binding is valid and unexpired; the gate is open.
	VerdictActive Verdict = "active"
	// VerdictExpired means the validity window has passed. Terminal on the
	// client; only an admin reset observed through the store heals it.
	VerdictExpired Verdict = "expired"
	// VerdictTampered means the local clock moved backward past the observed
	// watermark. Terminal on the client for the same reason: a device that has
	// demonstrated clock manipulation is not trusted to self-report a
	// corrected clock.
	VerdictTampered Verdict = "tampered"
)

// Gates reports whether the verdict permits the protected application to run.
func (v Verdict) Gates() bool {
	return v == VerdictActive
}

// Terminal reports whether the verdict can only be healed by an external
// admin action (reset or delete) observed through the store subscription.
func (v Verdict) Terminal() bool {
	return v == VerdictExpired || v == VerdictTampered
}
