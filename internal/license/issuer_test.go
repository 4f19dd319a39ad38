package license

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIssuer(t *testing.T) (*Issuer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewIssuer(st, discardLogger()), st
}

func TestIssuer_Issue(t *testing.T) {
	issuer, st := newTestIssuer(t)

	key, err := issuer.Issue(context.Background(), domain.ClientInfo{
		Name:  "Acme Ltd",
		Phone: "+1 555 0100",
	}, 30)
	require.NoError(t, err)

	assert.NoError(t, ValidateCodeFormat(key.Code))
	assert.Equal(t, domain.StatusUnused, key.Status)
	assert.Equal(t, 30, key.DurationDays)
	assert.Equal(t, "Acme Ltd", key.Client.Name)
	assert.False(t, key.Bound())
	assert.False(t, key.CreatedAt.IsZero(), "CreatedAt comes from the store clock")
	assert.Equal(t, 1, st.Len())

	// The stored record matches what the caller got back.
	stored, err := st.Get(context.Background(), key.Code)
	require.NoError(t, err)
	assert.True(t, key.Equal(stored))
}

func TestIssuer_Issue_RejectsNonPositiveDuration(t *testing.T) {
	issuer, st := newTestIssuer(t)

	for _, days := range []int{0, -1, -365} {
		_, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, days)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "duration_days", verr.Field)
	}
	assert.Equal(t, 0, st.Len())
}

func TestIssuer_Issue_UniqueCodes(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, 7)
		require.NoError(t, err)
		assert.False(t, seen[key.Code], "duplicate code %s", key.Code)
		seen[key.Code] = true
	}
}

func TestIssuer_Reset(t *testing.T) {
	issuer, st := newTestIssuer(t)

	key, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, 30)
	require.NoError(t, err)

	// Bind it as an activation would.
	_, err = st.UpdateIf(context.Background(), key.Code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind("device-1", time.Now())
	})
	require.NoError(t, err)

	reset, err := issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusUnused, reset.Status)
	assert.False(t, reset.Bound())
	assert.Equal(t, key.DurationDays, reset.DurationDays)
	assert.Equal(t, key.Client, reset.Client)
	assert.True(t, key.CreatedAt.Equal(reset.CreatedAt))
}

func TestIssuer_Reset_Idempotent(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	key, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, 30)
	require.NoError(t, err)

	first, err := issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)
	second, err := issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
}

func TestIssuer_Reset_WorksOnExpiredKeys(t *testing.T) {
	issuer, st := newTestIssuer(t)

	key, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, 1)
	require.NoError(t, err)

	longAgo := time.Now().Add(-30 * 24 * time.Hour)
	_, err = st.UpdateIf(context.Background(), key.Code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind("device-1", longAgo)
	})
	require.NoError(t, err)

	reset, err := issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnused, reset.Status)
	assert.False(t, reset.Bound())
}

func TestIssuer_Reset_UnknownCode(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	_, err := issuer.Reset(context.Background(), "KG-NOPE-NOPE99")
	var nfe *NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestIssuer_Delete_Idempotent(t *testing.T) {
	issuer, st := newTestIssuer(t)

	key, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "x"}, 30)
	require.NoError(t, err)

	require.NoError(t, issuer.Delete(context.Background(), key.Code))
	assert.Equal(t, 0, st.Len())

	// Second delete of the same code, and a delete of a code that never
	// existed, both succeed.
	assert.NoError(t, issuer.Delete(context.Background(), key.Code))
	assert.NoError(t, issuer.Delete(context.Background(), "KG-NOPE-NOPE99"))
}

func TestIssuer_ListAll_RecomputesExpiry(t *testing.T) {
	issuer, st := newTestIssuer(t)

	fresh, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "fresh"}, 30)
	require.NoError(t, err)
	stale, err := issuer.Issue(context.Background(), domain.ClientInfo{Name: "stale"}, 1)
	require.NoError(t, err)

	_, err = st.UpdateIf(context.Background(), fresh.Code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind("device-1", time.Now())
	})
	require.NoError(t, err)
	_, err = st.UpdateIf(context.Background(), stale.Code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind("device-2", time.Now().Add(-10*24*time.Hour))
	})
	require.NoError(t, err)

	keys, err := issuer.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)

	byCode := make(map[string]domain.KeyStatus, len(keys))
	for _, k := range keys {
		byCode[k.Code] = k.Status
	}
	assert.Equal(t, domain.StatusActivated, byCode[fresh.Code])
	assert.Equal(t, domain.StatusExpired, byCode[stale.Code])
}
