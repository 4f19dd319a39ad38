package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
	"keygate/internal/store"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAdminServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	issuer := license.NewIssuer(st, testLogger())
	handler := NewAdminHandler(issuer, testLogger())

	r := chi.NewRouter()
	r.Mount("/api/keys", handler.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func issueKey(t *testing.T, srv *httptest.Server, days int) *domain.ActivationKey {
	t.Helper()
	body, err := json.Marshal(apiv1.IssueKeyRequest{
		ClientName:   "Acme Ltd",
		DurationDays: days,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/keys", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out apiv1.KeyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Key)
	return out.Key
}

func TestAdminHandler_Issue(t *testing.T) {
	srv, st := newAdminServer(t)

	key := issueKey(t, srv, 30)
	assert.Equal(t, domain.StatusUnused, key.Status)
	assert.Equal(t, 30, key.DurationDays)
	assert.Equal(t, "Acme Ltd", key.Client.Name)
	assert.Equal(t, 1, st.Len())
}

func TestAdminHandler_Issue_Validation(t *testing.T) {
	srv, st := newAdminServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"zero duration", `{"client_name":"Acme","duration_days":0}`},
		{"negative duration", `{"client_name":"Acme","duration_days":-7}`},
		{"missing client name", `{"duration_days":30}`},
		{"malformed json", `{"client_name":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/keys", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, st.Len())
}

func TestAdminHandler_List(t *testing.T) {
	srv, _ := newAdminServer(t)

	issueKey(t, srv, 30)
	issueKey(t, srv, 7)

	resp, err := http.Get(srv.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiv1.KeyListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Count)
	assert.Len(t, out.Keys, 2)
}

func TestAdminHandler_Reset(t *testing.T) {
	srv, st := newAdminServer(t)
	key := issueKey(t, srv, 30)

	// Simulate a completed activation.
	_, err := st.UpdateIf(context.Background(), key.Code, domain.StatusUnused, func(k *domain.ActivationKey) {
		k.Bind("device-1", time.Now())
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/keys/"+key.Code+"/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiv1.KeyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, domain.StatusUnused, out.Key.Status)
	assert.Empty(t, out.Key.DeviceID)
}

func TestAdminHandler_Reset_UnknownCode(t *testing.T) {
	srv, _ := newAdminServer(t)

	resp, err := http.Post(srv.URL+"/api/keys/KG-NOPE-NOPE99/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminHandler_Delete(t *testing.T) {
	srv, st := newAdminServer(t)
	key := issueKey(t, srv, 30)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/keys/"+key.Code, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, st.Len())

	// Deleting again is still a success.
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
}
