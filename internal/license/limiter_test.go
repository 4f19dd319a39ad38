package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, maxAttempts int, window, block time.Duration) (*AttemptLimiter, *time.Time) {
	t.Helper()
	l := NewAttemptLimiter(maxAttempts, window, block)
	t.Cleanup(l.Stop)

	current := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestAttemptLimiter_BlocksAfterMaxFailures(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute, 10*time.Minute)

	assert.False(t, l.RecordAttempt("device-1", false))
	assert.False(t, l.RecordAttempt("device-1", false))
	assert.True(t, l.RecordAttempt("device-1", false))

	blocked, remaining := l.Blocked("device-1")
	assert.True(t, blocked)
	assert.Equal(t, 10*time.Minute, remaining)
}

func TestAttemptLimiter_BlockExpires(t *testing.T) {
	l, current := newTestLimiter(t, 2, time.Minute, 10*time.Minute)

	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", false)
	blocked, _ := l.Blocked("device-1")
	require.True(t, blocked)

	*current = current.Add(11 * time.Minute)
	blocked, _ = l.Blocked("device-1")
	assert.False(t, blocked)
}

func TestAttemptLimiter_WindowSlides(t *testing.T) {
	l, current := newTestLimiter(t, 3, time.Minute, 10*time.Minute)

	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", false)

	// The earlier failures age out of the window; the next one starts over.
	*current = current.Add(2 * time.Minute)
	assert.False(t, l.RecordAttempt("device-1", false))

	blocked, _ := l.Blocked("device-1")
	assert.False(t, blocked)
}

func TestAttemptLimiter_SuccessClearsHistory(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute, 10*time.Minute)

	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", true)

	// The failure count restarts from zero.
	assert.False(t, l.RecordAttempt("device-1", false))
	assert.False(t, l.RecordAttempt("device-1", false))
}

func TestAttemptLimiter_IdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute, 10*time.Minute)

	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", false)

	blocked, _ := l.Blocked("device-1")
	assert.True(t, blocked)
	blocked, _ = l.Blocked("device-2")
	assert.False(t, blocked)
}

func TestAttemptLimiter_Stats(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute, 10*time.Minute)

	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-1", false)
	l.RecordAttempt("device-2", false)

	stats := l.Stats()
	assert.Equal(t, 2, stats["tracked_identifiers"])
	assert.Equal(t, 1, stats["blocked_identifiers"])
}
