package license

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

type engineFixture struct {
	engine *Engine
	store  *store.MemoryStore
	issuer *Issuer
	now    time.Time
	mu     sync.Mutex
}

func (f *engineFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *engineFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *engineFixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store: store.NewMemoryStore(),
		now:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(f.clock)
	f.issuer = NewIssuer(f.store, discardLogger(), WithIssuerClock(f.clock))

	wm, err := OpenWatermark(filepath.Join(t.TempDir(), "watermark.json"), testSecret)
	require.NoError(t, err)

	opts = append([]EngineOption{WithEngineClock(f.clock)}, opts...)
	f.engine = NewEngine(f.store, wm, testSecret, discardLogger(), opts...)
	t.Cleanup(func() { f.engine.Close() })
	return f
}

func (f *engineFixture) issue(t *testing.T, days int) *domain.ActivationKey {
	t.Helper()
	key, err := f.issuer.Issue(context.Background(), domain.ClientInfo{Name: "Acme Ltd"}, days)
	require.NoError(t, err)
	return key
}

func TestEngine_Activate(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	bound, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActivated, bound.Status)
	assert.Equal(t, "device-1", bound.DeviceID)
	require.NotNil(t, bound.ActivatedAt)
	require.NotNil(t, bound.ExpiresAt)
	assert.True(t, bound.ActivatedAt.Equal(f.clock()))
	assert.True(t, bound.ExpiresAt.Equal(f.clock().Add(30*24*time.Hour)),
		"expiry derives from the activation instant, not issuance")

	assert.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())
}

func TestEngine_Activate_NormalizesInput(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	sloppy := "  " + key.Code + "\n"
	bound, err := f.engine.Activate(context.Background(), sloppy, "device-1")
	require.NoError(t, err)
	assert.Equal(t, key.Code, bound.Code)
}

func TestEngine_Activate_InvalidFormat(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Activate(context.Background(), "definitely-not-a-code", "device-1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
}

func TestEngine_Activate_UnknownCode(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Activate(context.Background(), "KG-ABC123-XYZ789", "device-1")
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestEngine_Activate_AlreadyUsedCarriesBinding(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	first, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)

	_, err = f.engine.Activate(context.Background(), key.Code, "device-2")
	var used *AlreadyUsedError
	require.ErrorAs(t, err, &used)

	assert.Equal(t, key.Code, used.Code)
	assert.Equal(t, "device-1", used.DeviceID)
	assert.True(t, used.ActivatedAt.Equal(*first.ActivatedAt))
	assert.True(t, used.ExpiresAt.Equal(*first.ExpiresAt))
	assert.True(t, used.SameDevice("device-1"))
	assert.False(t, used.SameDevice("device-2"))
}

func TestEngine_Activate_RaceHasOneWinner(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	const contenders = 16
	results := make(chan error, contenders)
	var start sync.WaitGroup
	start.Add(1)

	for i := 0; i < contenders; i++ {
		deviceID := string(rune('a'+i)) + "-device"
		go func() {
			start.Wait()
			_, err := f.engine.Activate(context.Background(), key.Code, deviceID)
			results <- err
		}()
	}
	start.Done()

	wins := 0
	for i := 0; i < contenders; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		var used *AlreadyUsedError
		var conflict *ConflictError
		assert.True(t, errors.As(err, &used) || errors.As(err, &conflict),
			"loser got unexpected error %v", err)
	}
	assert.Equal(t, 1, wins, "exactly one device may win the binding")

	rec, err := f.store.Get(context.Background(), key.Code)
	require.NoError(t, err)
	assert.True(t, rec.Bound())
	assert.Equal(t, domain.StatusActivated, rec.Status)
}

func TestEngine_VerdictLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	assert.Equal(t, domain.VerdictInactive, f.engine.CurrentVerdict())

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())

	f.advance(29 * 24 * time.Hour)
	assert.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())

	f.advance(2 * 24 * time.Hour)
	assert.Equal(t, domain.VerdictExpired, f.engine.CurrentVerdict())

	// Expired is terminal: the verdict stays expired until an admin acts.
	f.advance(24 * time.Hour)
	assert.Equal(t, domain.VerdictExpired, f.engine.CurrentVerdict())

	// Admin reset observed through the change feed returns the gate to the
	// activation prompt and frees the code for another device.
	_, err = f.issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInactive, f.engine.CurrentVerdict())

	_, err = f.engine.Activate(context.Background(), key.Code, "device-2")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())

	rec, err := f.store.Get(context.Background(), key.Code)
	require.NoError(t, err)
	assert.Equal(t, "device-2", rec.DeviceID)
}

func TestEngine_TamperLatch(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)

	f.advance(10 * 24 * time.Hour)
	require.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())

	// Roll the clock back five days.
	f.advance(-5 * 24 * time.Hour)
	assert.Equal(t, domain.VerdictTampered, f.engine.CurrentVerdict())

	// Moving the clock forward again must not reopen the gate: the latch
	// holds even past the watermark.
	f.advance(10 * 24 * time.Hour)
	assert.Equal(t, domain.VerdictTampered, f.engine.CurrentVerdict())

	// Only an admin reset heals it.
	_, err = f.issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInactive, f.engine.CurrentVerdict())

	_, err = f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())
}

func TestEngine_RemoteDelete(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	require.Equal(t, domain.VerdictActive, f.engine.CurrentVerdict())

	require.NoError(t, f.issuer.Delete(context.Background(), key.Code))
	assert.Equal(t, domain.VerdictInactive, f.engine.CurrentVerdict())

	_, rec := f.engine.Status()
	assert.Nil(t, rec)
}

func TestEngine_SubscriberSeesVerdictChanges(t *testing.T) {
	f := newEngineFixture(t)
	key := f.issue(t, 30)

	var mu sync.Mutex
	var seen []domain.Verdict
	unsubscribe := f.engine.Subscribe(func(u Update) {
		mu.Lock()
		seen = append(seen, u.Verdict)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	f.engine.CurrentVerdict()

	f.advance(31 * 24 * time.Hour)
	f.engine.CurrentVerdict()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, domain.VerdictActive)
	assert.Contains(t, seen, domain.VerdictExpired)
}

func TestEngine_RateLimitsFailedAttempts(t *testing.T) {
	limiter := NewAttemptLimiter(2, time.Minute, 10*time.Minute)
	f := newEngineFixture(t, WithAttemptLimiter(limiter))

	// Two misses on codes that do not exist block the device.
	_, err := f.engine.Activate(context.Background(), "KG-ABC123-AAAAAA", "device-1")
	require.Error(t, err)
	_, err = f.engine.Activate(context.Background(), "KG-ABC123-BBBBBB", "device-1")
	require.Error(t, err)

	key := f.issue(t, 30)
	_, err = f.engine.Activate(context.Background(), key.Code, "device-1")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "device-1", limited.DeviceID)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	// A different device is unaffected.
	_, err = f.engine.Activate(context.Background(), key.Code, "device-2")
	assert.NoError(t, err)
}

func TestEngine_ResumeAfterRestart(t *testing.T) {
	bindingPath := filepath.Join(t.TempDir(), "binding.json")
	f := newEngineFixture(t, WithBindingFile(bindingPath))
	key := f.issue(t, 30)

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.Close())

	// A fresh engine over the same store and binding file picks the record
	// back up without re-entering the code.
	wm, err := OpenWatermark(filepath.Join(t.TempDir(), "watermark.json"), testSecret)
	require.NoError(t, err)
	restarted := NewEngine(f.store, wm, testSecret, discardLogger(),
		WithEngineClock(f.clock), WithBindingFile(bindingPath))
	defer restarted.Close()

	verdict, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictActive, verdict)

	_, rec := restarted.Status()
	require.NotNil(t, rec)
	assert.Equal(t, key.Code, rec.Code)
	assert.Equal(t, "device-1", rec.DeviceID)
}

func TestEngine_ResumeWithDeletedKey(t *testing.T) {
	bindingPath := filepath.Join(t.TempDir(), "binding.json")
	f := newEngineFixture(t, WithBindingFile(bindingPath))
	key := f.issue(t, 30)

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.Close())

	// The admin deletes the key while the device is offline.
	require.NoError(t, f.issuer.Delete(context.Background(), key.Code))

	wm, err := OpenWatermark(filepath.Join(t.TempDir(), "watermark.json"), testSecret)
	require.NoError(t, err)
	restarted := NewEngine(f.store, wm, testSecret, discardLogger(),
		WithEngineClock(f.clock), WithBindingFile(bindingPath))
	defer restarted.Close()

	verdict, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInactive, verdict)
}

func TestEngine_ResumeWithoutBinding(t *testing.T) {
	bindingPath := filepath.Join(t.TempDir(), "binding.json")
	f := newEngineFixture(t, WithBindingFile(bindingPath))

	verdict, err := f.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInactive, verdict)
}

func TestEngine_RefreshPicksUpRemoteReset(t *testing.T) {
	f := newEngineFixture(t, WithRecordCache(NewRecordCache(0, 16)))
	key := f.issue(t, 30)

	_, err := f.engine.Activate(context.Background(), key.Code, "device-1")
	require.NoError(t, err)

	// Mutate the record behind the engine's back (no cache, zero TTL).
	_, err = f.store.Apply(context.Background(), key.Code, func(k *domain.ActivationKey) {
		k.ClearBinding()
	})
	require.NoError(t, err)

	verdict, err := f.engine.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInactive, verdict)
}
