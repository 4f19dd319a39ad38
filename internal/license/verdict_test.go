package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"keygate/pkg/contracts/domain"
)

func boundKey(activatedAt time.Time, durationDays int) *domain.ActivationKey {
	key := &domain.ActivationKey{
		Code:         "KG-2026-ABCDEF",
		Client:       domain.ClientInfo{Name: "Acme Ltd"},
		DurationDays: durationDays,
		Status:       domain.StatusUnused,
		CreatedAt:    activatedAt.Add(-24 * time.Hour),
	}
	key.Bind("device-1", activatedAt)
	return key
}

func TestEvaluate(t *testing.T) {
	activated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	key := boundKey(activated, 30)

	tests := []struct {
		name     string
		key      *domain.ActivationKey
		localNow time.Time
		observed time.Time
		want     domain.Verdict
	}{
		{
			name:     "nil record",
			key:      nil,
			localNow: activated,
			observed: activated,
			want:     domain.VerdictInactive,
		},
		{
			name:     "unbound record",
			key:      &domain.ActivationKey{Code: "KG-2026-ZZZZZZ", DurationDays: 30, Status: domain.StatusUnused},
			localNow: activated,
			observed: activated,
			want:     domain.VerdictInactive,
		},
		{
			name:     "inside the validity window",
			key:      key,
			localNow: activated.Add(29 * 24 * time.Hour),
			observed: activated.Add(29 * 24 * time.Hour),
			want:     domain.VerdictActive,
		},
		{
			name:     "past the validity window",
			key:      key,
			localNow: activated.Add(31 * 24 * time.Hour),
			observed: activated.Add(31 * 24 * time.Hour),
			want:     domain.VerdictExpired,
		},
		{
			name:     "clock rolled back",
			key:      key,
			localNow: activated.Add(10 * 24 * time.Hour),
			observed: activated.Add(15 * 24 * time.Hour),
			want:     domain.VerdictTampered,
		},
		{
			name: "tamper wins over expiry",
			key:  key,
			// The rolled-back clock lands inside the validity window while
			// the watermark sits past expiry. The verdict must still be
			// tampered, never active.
			localNow: activated.Add(20 * 24 * time.Hour),
			observed: activated.Add(40 * 24 * time.Hour),
			want:     domain.VerdictTampered,
		},
		{
			name:     "local clock equal to watermark is not tamper",
			key:      key,
			localNow: activated.Add(5 * 24 * time.Hour),
			observed: activated.Add(5 * 24 * time.Hour),
			want:     domain.VerdictActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.key, tt.localNow, tt.observed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerdictGatesAndTerminal(t *testing.T) {
	assert.True(t, domain.VerdictActive.Gates())
	assert.False(t, domain.VerdictInactive.Gates())
	assert.False(t, domain.VerdictExpired.Gates())
	assert.False(t, domain.VerdictTampered.Gates())

	assert.True(t, domain.VerdictExpired.Terminal())
	assert.True(t, domain.VerdictTampered.Terminal())
	assert.False(t, domain.VerdictActive.Terminal())
	assert.False(t, domain.VerdictInactive.Terminal())
}
