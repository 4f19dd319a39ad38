package license

import (
	"time"

	"keygate/pkg/contracts/domain"
)

// Evaluate derives the gating verdict from a key record and the local
// integrity signals. It is a pure function: no I/O, no clock reads, cheap
// enough to run on every application foreground event.
//
// The checks run in a fixed order. The tamper check must precede the expiry
// check: on a rolled-back clock, localNow may sit comfortably inside the
// validity window of a license that has in fact expired.
func Evaluate(key *domain.ActivationKey, localNow, lastObservedNow time.Time) domain.Verdict {
	if key == nil || !key.Bound() || key.Status == domain.StatusUnused {
		return domain.VerdictInactive
	}
	if localNow.Before(lastObservedNow) {
		return domain.VerdictTampered
	}
	if localNow.After(*key.ExpiresAt) {
		return domain.VerdictExpired
	}
	return domain.VerdictActive
}
