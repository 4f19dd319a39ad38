package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// Update is delivered to engine subscribers whenever the tracked record or
// the derived verdict changes. Removed marks a remote deletion.
type Update struct {
	Verdict domain.Verdict
	Key     *domain.ActivationKey
	Removed bool
}

// Engine hosts the activation state machine inside the protected application:
// it redeems a code, binds it to this device, derives the gating verdict on
// demand, and follows remote resets and deletions through the store
// subscription so an admin revocation lands without a restart.
//
// Activate and Resume perform network round-trips and take a context; the
// consuming layer must not block its main loop on them. CurrentVerdict is
// synchronous and cheap enough for every foreground event.
type Engine struct {
	store       store.Store
	wm          *Watermark
	cache       *RecordCache
	limiter     *AttemptLimiter
	logger      *slog.Logger
	metrics     *Metrics
	clock       func() time.Time
	bindingPath string
	secret      []byte

	mu          sync.Mutex
	code        string
	record      *domain.ActivationKey
	lastVerdict domain.Verdict
	unwatch     store.UnsubscribeFunc
	subs        map[int]func(Update)
	nextSubID   int
	closed      bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's wall clock. Test hook.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = now }
}

// WithEngineMetrics attaches otel instruments.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithAttemptLimiter attaches an activation attempt limiter.
func WithAttemptLimiter(l *AttemptLimiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithRecordCache overrides the default record cache.
func WithRecordCache(c *RecordCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithBindingFile sets the path for the local copy of the bound record.
func WithBindingFile(path string) EngineOption {
	return func(e *Engine) { e.bindingPath = path }
}

// NewEngine creates an activation engine over the given store and watermark.
// secret signs the local binding file; use the same device-local secret as
// the watermark.
func NewEngine(st store.Store, wm *Watermark, secret []byte, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       st,
		wm:          wm,
		secret:      secret,
		logger:      logger.With(slog.String("component", "engine")),
		clock:       time.Now,
		cache:       NewRecordCache(5*time.Minute, 16),
		subs:        make(map[int]func(Update)),
		lastVerdict: domain.VerdictInactive,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resume restores a previously bound code after a restart: it loads the local
// binding, refreshes the record from the store (falling back to the local
// copy when the store is unreachable) and re-attaches the change
// subscription. Returns the resulting verdict.
func (e *Engine) Resume(ctx context.Context) (domain.Verdict, error) {
	if e.bindingPath == "" {
		return e.CurrentVerdict(), nil
	}

	local, err := loadBinding(e.bindingPath, e.secret)
	if err != nil {
		return domain.VerdictInactive, err
	}
	if local == nil {
		return domain.VerdictInactive, nil
	}

	start := time.Now()
	remote, err := e.store.Get(ctx, local.Code)
	e.metrics.RecordStoreRoundTrip(ctx, "get", time.Since(start), err)
	switch {
	case err == nil:
		e.attach(ctx, remote)
	case errors.Is(err, store.ErrNotFound):
		// Admin deleted the key while this device was offline.
		e.logger.InfoContext(ctx, "bound key deleted remotely, clearing local binding",
			slog.String("code", MaskCode(local.Code)),
		)
		_ = clearBinding(e.bindingPath)
		return domain.VerdictInactive, nil
	default:
		// Offline start: trust the local copy until the store answers.
		e.logger.WarnContext(ctx, "store unreachable during resume, using local binding",
			slog.String("code", MaskCode(local.Code)),
			slog.String("error", err.Error()),
		)
		e.attach(ctx, local)
	}

	return e.CurrentVerdict(), nil
}

// Activate redeems code on this device. deviceID may be empty, in which case
// the hardware-derived identity is used. On success the binding is persisted
// locally and the engine starts tracking the record.
func (e *Engine) Activate(ctx context.Context, code, deviceID string) (*domain.ActivationKey, error) {
	code = NormalizeCode(code)
	if err := ValidateCodeFormat(code); err != nil {
		e.metrics.RecordActivation(ctx, "invalid_format")
		return nil, &ValidationError{Field: "code", Message: err.Error()}
	}

	if deviceID == "" {
		derived, err := DefaultDeviceID()
		if err != nil {
			return nil, &ValidationError{Field: "device_id", Message: "not supplied and could not be derived: " + err.Error()}
		}
		deviceID = derived
	}

	if e.limiter != nil {
		if blocked, retryAfter := e.limiter.Blocked(deviceID); blocked {
			e.metrics.RecordActivation(ctx, "rate_limited")
			return nil, &RateLimitedError{DeviceID: deviceID, RetryAfter: retryAfter}
		}
	}

	start := time.Now()
	rec, err := e.store.Get(ctx, code)
	e.metrics.RecordStoreRoundTrip(ctx, "get", time.Since(start), err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.recordFailure(ctx, deviceID, "not_found")
			return nil, &NotFoundError{Code: code}
		}
		e.metrics.RecordActivation(ctx, "store_unavailable")
		return nil, &StoreUnavailableError{Op: "activate", Err: err}
	}

	if rec.Status != domain.StatusUnused {
		e.recordFailure(ctx, deviceID, "already_used")
		return nil, e.alreadyUsed(rec)
	}

	now := e.clock()
	start = time.Now()
	bound, err := e.store.UpdateIf(ctx, code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind(deviceID, now)
	})
	e.metrics.RecordStoreRoundTrip(ctx, "update_if", time.Since(start), err)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			// Another device won the conditional write. Re-read so the error
			// can carry the winning binding when the caller wants it.
			e.recordFailure(ctx, deviceID, "conflict")
			if fresh, gerr := e.store.Get(ctx, code); gerr == nil && fresh.Bound() {
				return nil, e.alreadyUsed(fresh)
			}
			return nil, &ConflictError{Code: code}
		case errors.Is(err, store.ErrNotFound):
			e.recordFailure(ctx, deviceID, "not_found")
			return nil, &NotFoundError{Code: code}
		default:
			e.metrics.RecordActivation(ctx, "store_unavailable")
			return nil, &StoreUnavailableError{Op: "activate", Err: err}
		}
	}

	if e.limiter != nil {
		e.limiter.RecordAttempt(deviceID, true)
	}
	e.metrics.RecordActivation(ctx, "success")

	if e.bindingPath != "" {
		if err := saveBinding(e.bindingPath, e.secret, bound); err != nil {
			e.logger.WarnContext(ctx, "failed to persist local binding",
				slog.String("error", err.Error()),
			)
		}
	}
	e.attach(ctx, bound)

	e.logger.InfoContext(ctx, "activation key bound to this device",
		slog.String("code", MaskCode(code)),
		slog.String("device_id", deviceID),
		slog.Time("expires_at", *bound.ExpiresAt),
	)
	return bound.Clone(), nil
}

// CurrentVerdict derives the current gating decision. Every call is one clock
// observation: the watermark advances to max(watermark, now) and never
// regresses, even across restarts.
func (e *Engine) CurrentVerdict() domain.Verdict {
	now := e.clock()
	previous, regressed, err := e.wm.Observe(now)
	if err != nil {
		e.logger.Warn("failed to persist clock watermark", slog.String("error", err.Error()))
	}
	if regressed {
		e.logger.Warn("clock regression detected",
			slog.Time("local_now", now),
			slog.Time("watermark", previous),
		)
	}

	e.mu.Lock()
	rec := e.record
	verdict := Evaluate(rec, now, previous)
	// The tamper latch makes tampered (and a tampered history) terminal: a
	// clock that later jumps forward again must not silently re-open the
	// gate. The latch is cleared only on an observed admin reset or delete.
	if verdict != domain.VerdictInactive && e.wm.Tampered() {
		verdict = domain.VerdictTampered
	}
	changed := verdict != e.lastVerdict
	e.lastVerdict = verdict
	var snapshot *domain.ActivationKey
	if rec != nil {
		snapshot = rec.Clone()
	}
	subs := e.subscribersLocked()
	e.mu.Unlock()

	e.metrics.RecordVerdict(context.Background(), verdict)
	if changed {
		e.fanOut(subs, Update{Verdict: verdict, Key: snapshot})
	}
	return verdict
}

// Status returns the current verdict together with a snapshot of the tracked
// record, for the shell's status surface.
func (e *Engine) Status() (domain.Verdict, *domain.ActivationKey) {
	verdict := e.CurrentVerdict()
	e.mu.Lock()
	defer e.mu.Unlock()
	return verdict, e.record.Clone()
}

// Refresh re-fetches the tracked record, going to the store only when the
// cache has gone stale, and returns the fresh verdict.
func (e *Engine) Refresh(ctx context.Context) (domain.Verdict, error) {
	e.mu.Lock()
	code := e.code
	e.mu.Unlock()
	if code == "" {
		return e.CurrentVerdict(), nil
	}

	if cached, ok := e.cache.Get(code); ok {
		e.applyRecord(ctx, cached)
		return e.CurrentVerdict(), nil
	}

	start := time.Now()
	rec, err := e.store.Get(ctx, code)
	e.metrics.RecordStoreRoundTrip(ctx, "get", time.Since(start), err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.applyRemoval(ctx, code)
			return e.CurrentVerdict(), nil
		}
		return e.CurrentVerdict(), &StoreUnavailableError{Op: "refresh", Err: err}
	}
	e.applyRecord(ctx, rec)
	return e.CurrentVerdict(), nil
}

// Subscribe registers fn for verdict and record updates. The callback
// contract is idempotent: duplicate deliveries re-state the same update and
// must be treated as no-ops by the consumer. The returned handle detaches.
func (e *Engine) Subscribe(fn func(Update)) store.UnsubscribeFunc {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Close detaches the store subscription and stops the attempt limiter.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unwatch := e.unwatch
	e.unwatch = nil
	e.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if e.limiter != nil {
		e.limiter.Stop()
	}
	return nil
}

// attach points the engine at a record and (re)establishes the store watch.
func (e *Engine) attach(ctx context.Context, rec *domain.ActivationKey) {
	e.mu.Lock()
	sameCode := e.code == rec.Code
	oldUnwatch := e.unwatch
	e.code = rec.Code
	e.record = rec.Clone()
	if sameCode {
		oldUnwatch = nil
	} else {
		e.unwatch = nil
	}
	e.mu.Unlock()

	e.cache.Set(rec.Code, rec)
	if oldUnwatch != nil {
		oldUnwatch()
	}
	if !sameCode {
		e.watch(ctx, rec.Code)
	}
}

func (e *Engine) watch(ctx context.Context, code string) {
	unwatch, err := e.store.Watch(ctx, code, func(ev store.Event) {
		e.handleEvent(ev)
	})
	if err != nil {
		e.logger.Warn("failed to subscribe to record changes",
			slog.String("code", MaskCode(code)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unwatch()
		return
	}
	e.unwatch = unwatch
	e.mu.Unlock()
}

// handleEvent applies one store change notification. Deliveries may be
// duplicated or reordered; re-applying an identical record is a no-op.
func (e *Engine) handleEvent(ev store.Event) {
	ctx := context.Background()
	e.metrics.RecordWatchEvent(ctx, ev.Removed)

	e.mu.Lock()
	tracked := e.code
	e.mu.Unlock()
	if ev.Code != tracked {
		return
	}

	if ev.Removed {
		e.applyRemoval(ctx, ev.Code)
		return
	}
	e.applyRecord(ctx, ev.Key)
}

// applyRecord installs a fresh record snapshot and re-derives the verdict.
// An admin reset arrives here as a record back at unused, which heals the
// terminal verdicts and clears the tamper latch.
func (e *Engine) applyRecord(ctx context.Context, rec *domain.ActivationKey) {
	if rec == nil {
		return
	}

	e.mu.Lock()
	if e.record.Equal(rec) {
		e.mu.Unlock()
		return
	}
	e.record = rec.Clone()
	e.mu.Unlock()

	e.cache.Set(rec.Code, rec)
	if rec.Status == domain.StatusUnused {
		if err := e.wm.ClearTamper(); err != nil {
			e.logger.Warn("failed to clear tamper latch", slog.String("error", err.Error()))
		}
		if e.bindingPath != "" {
			_ = clearBinding(e.bindingPath)
		}
		e.logger.InfoContext(ctx, "tracked key was reset remotely",
			slog.String("code", MaskCode(rec.Code)),
		)
	}

	verdict := e.CurrentVerdict()
	e.mu.Lock()
	subs := e.subscribersLocked()
	e.mu.Unlock()
	e.fanOut(subs, Update{Verdict: verdict, Key: rec.Clone()})
}

// applyRemoval handles a remote delete: all lifecycle state is discarded and
// the gate falls back to the activation prompt.
func (e *Engine) applyRemoval(ctx context.Context, code string) {
	e.mu.Lock()
	if e.record == nil {
		e.mu.Unlock()
		return
	}
	e.record = nil
	subs := e.subscribersLocked()
	e.mu.Unlock()

	e.cache.Invalidate(code)
	if err := e.wm.ClearTamper(); err != nil {
		e.logger.Warn("failed to clear tamper latch", slog.String("error", err.Error()))
	}
	if e.bindingPath != "" {
		_ = clearBinding(e.bindingPath)
	}
	e.logger.InfoContext(ctx, "tracked key was deleted remotely",
		slog.String("code", MaskCode(code)),
	)

	verdict := e.CurrentVerdict()
	e.fanOut(subs, Update{Verdict: verdict, Removed: true})
}

func (e *Engine) alreadyUsed(rec *domain.ActivationKey) *AlreadyUsedError {
	used := &AlreadyUsedError{
		Code:     rec.Code,
		Status:   rec.StatusAt(e.clock()),
		DeviceID: rec.DeviceID,
	}
	if rec.ActivatedAt != nil {
		used.ActivatedAt = *rec.ActivatedAt
	}
	if rec.ExpiresAt != nil {
		used.ExpiresAt = *rec.ExpiresAt
	}
	return used
}

func (e *Engine) recordFailure(ctx context.Context, deviceID, result string) {
	e.metrics.RecordActivation(ctx, result)
	if e.limiter != nil {
		e.limiter.RecordAttempt(deviceID, false)
	}
}

func (e *Engine) subscribersLocked() []func(Update) {
	subs := make([]func(Update), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (e *Engine) fanOut(subs []func(Update), update Update) {
	for _, fn := range subs {
		fn(update)
	}
}
