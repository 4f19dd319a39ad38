package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// Issuer creates, resets and deletes activation-key records. It runs inside
// the admin console. Privilege is an external concern: callers are expected
// to sit behind whatever auth the admin surface enforces.
type Issuer struct {
	store   store.Store
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerMetrics attaches otel instruments.
func WithIssuerMetrics(m *Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// WithIssuerClock overrides the issuance clock. Test hook; note that
// CreatedAt always comes from the store's clock regardless.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.clock = now }
}

// NewIssuer creates a key issuer over the given store.
func NewIssuer(st store.Store, logger *slog.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:  st,
		logger: logger.With(slog.String("component", "issuer")),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a new unused activation key for the given client. The
// returned record carries the store-assigned CreatedAt.
func (i *Issuer) Issue(ctx context.Context, client domain.ClientInfo, durationDays int) (*domain.ActivationKey, error) {
	if durationDays <= 0 {
		return nil, &ValidationError{Field: "duration_days", Message: "must be a positive integer"}
	}

	code, err := NewCode(i.clock())
	if err != nil {
		return nil, err
	}

	key := &domain.ActivationKey{
		Code:         code,
		Client:       client,
		DurationDays: durationDays,
		Status:       domain.StatusUnused,
	}

	start := time.Now()
	created, err := i.store.Create(ctx, key)
	i.metrics.RecordStoreRoundTrip(ctx, "create", time.Since(start), err)
	if err != nil {
		// The code space makes a collision overwhelmingly improbable; when it
		// does happen the per-key atomic create catches it and the caller
		// simply retries issuance.
		if errors.Is(err, store.ErrExists) {
			return nil, &ValidationError{Field: "code", Message: "generated code collided, retry issuance"}
		}
		return nil, &StoreUnavailableError{Op: "issue", Err: err}
	}

	i.metrics.RecordIssued(ctx)
	i.logger.InfoContext(ctx, "activation key issued",
		slog.String("code", MaskCode(created.Code)),
		slog.Int("duration_days", created.DurationDays),
		slog.String("client", created.Client.Name),
	)
	return created, nil
}

// Reset returns a key to the unused state, regardless of prior status,
// including expired. Only the three binding fields change. Applied twice in
// succession it leaves the record identical after the second call.
func (i *Issuer) Reset(ctx context.Context, code string) (*domain.ActivationKey, error) {
	code = NormalizeCode(code)

	start := time.Now()
	updated, err := i.store.Apply(ctx, code, func(k *domain.ActivationKey) {
		k.ClearBinding()
	})
	i.metrics.RecordStoreRoundTrip(ctx, "reset", time.Since(start), err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Code: code}
		}
		return nil, &StoreUnavailableError{Op: "reset", Err: err}
	}

	i.metrics.RecordReset(ctx)
	i.logger.InfoContext(ctx, "activation key reset",
		slog.String("code", MaskCode(code)),
	)
	return updated, nil
}

// Delete removes the record permanently, discarding all lifecycle state.
// Idempotent: deleting a non-existent code is not an error.
func (i *Issuer) Delete(ctx context.Context, code string) error {
	code = NormalizeCode(code)

	start := time.Now()
	err := i.store.Remove(ctx, code)
	i.metrics.RecordStoreRoundTrip(ctx, "delete", time.Since(start), err)
	if err != nil {
		return &StoreUnavailableError{Op: "delete", Err: err}
	}

	i.logger.InfoContext(ctx, "activation key deleted",
		slog.String("code", MaskCode(code)),
	)
	return nil
}

// ListAll returns the full current record set, with each record's expiry
// status recomputed for display. No gating logic depends on this listing.
func (i *Issuer) ListAll(ctx context.Context) ([]*domain.ActivationKey, error) {
	start := time.Now()
	keys, err := i.store.All(ctx)
	i.metrics.RecordStoreRoundTrip(ctx, "list", time.Since(start), err)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list", Err: err}
	}

	now := i.clock()
	for _, k := range keys {
		k.Status = k.StatusAt(now)
	}
	return keys, nil
}
