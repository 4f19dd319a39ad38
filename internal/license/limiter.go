package license

import (
	"sync"
	"time"
)

// attemptState tracks recent failed activations for one identifier.
type attemptState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// AttemptLimiter throttles activation attempts per device identifier:
// maxAttempts failures inside window block the identifier for blockDuration.
// Successful activations clear the identifier's history.
type AttemptLimiter struct {
	maxAttempts   int
	window        time.Duration
	blockDuration time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptState
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewAttemptLimiter creates a limiter and starts its cleanup loop.
func NewAttemptLimiter(maxAttempts int, window, blockDuration time.Duration) *AttemptLimiter {
	l := &AttemptLimiter{
		maxAttempts:   maxAttempts,
		window:        window,
		blockDuration: blockDuration,
		attempts:      make(map[string]*attemptState),
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
	go l.cleanup()
	return l
}

// Blocked reports whether the identifier is currently blocked and for how
// much longer.
func (l *AttemptLimiter) Blocked(identifier string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[identifier]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Before(state.blockedUntil) {
		return true, state.blockedUntil.Sub(now)
	}
	return false, 0
}

// RecordAttempt registers the outcome of one activation attempt and reports
// whether the identifier is blocked afterwards.
func (l *AttemptLimiter) RecordAttempt(identifier string, success bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		delete(l.attempts, identifier)
		return false
	}

	now := l.now()
	state, ok := l.attempts[identifier]
	if !ok {
		state = &attemptState{}
		l.attempts[identifier] = state
	}

	// Drop failures older than the sliding window.
	kept := state.failures[:0]
	for _, t := range state.failures {
		if now.Sub(t) <= l.window {
			kept = append(kept, t)
		}
	}
	state.failures = append(kept, now)

	if len(state.failures) >= l.maxAttempts {
		state.blockedUntil = now.Add(l.blockDuration)
		state.failures = state.failures[:0]
		return true
	}
	return false
}

// Stats returns limiter counters for the health snapshot.
func (l *AttemptLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	blocked := 0
	now := l.now()
	for _, state := range l.attempts {
		if now.Before(state.blockedUntil) {
			blocked++
		}
	}
	return map[string]interface{}{
		"tracked_identifiers": len(l.attempts),
		"blocked_identifiers": blocked,
		"max_attempts":        l.maxAttempts,
		"window_seconds":      l.window.Seconds(),
		"block_seconds":       l.blockDuration.Seconds(),
	}
}

// Stop terminates the cleanup loop.
func (l *AttemptLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *AttemptLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for id, state := range l.attempts {
				if len(state.failures) == 0 && now.After(state.blockedUntil) {
					delete(l.attempts, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
