package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/store"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/domain"
)

type licenseFixture struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	issuer *license.Issuer
	engine *license.Engine
}

func newLicenseServer(t *testing.T) *licenseFixture {
	t.Helper()

	st := store.NewMemoryStore()
	issuer := license.NewIssuer(st, testLogger())

	wm, err := license.OpenWatermark(filepath.Join(t.TempDir(), "watermark.json"), []byte("test-secret"))
	require.NoError(t, err)
	engine := license.NewEngine(st, wm, []byte("test-secret"), testLogger())
	t.Cleanup(func() { engine.Close() })

	handler := NewLicenseHandler(engine, testLogger())
	r := chi.NewRouter()
	r.Mount("/api/license", handler.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &licenseFixture{srv: srv, store: st, issuer: issuer, engine: engine}
}

func (f *licenseFixture) activate(t *testing.T, code, deviceID string) *http.Response {
	t.Helper()
	body, err := json.Marshal(apiv1.ActivateRequest{Code: code, DeviceID: deviceID})
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+"/api/license/activate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestLicenseHandler_Activate(t *testing.T) {
	f := newLicenseServer(t)
	key, err := f.issuer.Issue(context.Background(), domain.ClientInfo{Name: "Acme Ltd"}, 30)
	require.NoError(t, err)

	resp := f.activate(t, key.Code, "device-1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiv1.ActivationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	require.NotNil(t, out.Key)
	assert.Equal(t, "device-1", out.Key.DeviceID)
	require.NotNil(t, out.ActivatedAt)
}

func TestLicenseHandler_Activate_Validation(t *testing.T) {
	f := newLicenseServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing code", `{"device_id":"device-1"}`},
		{"short code", `{"code":"KG"}`},
		{"malformed json", `{"code":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/api/license/activate", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestLicenseHandler_Activate_UnknownCode(t *testing.T) {
	f := newLicenseServer(t)

	resp := f.activate(t, "KG-ABC123-XYZ789", "device-1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLicenseHandler_Activate_AlreadyUsed(t *testing.T) {
	f := newLicenseServer(t)
	key, err := f.issuer.Issue(context.Background(), domain.ClientInfo{Name: "Acme Ltd"}, 30)
	require.NoError(t, err)

	first := f.activate(t, key.Code, "device-1")
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := f.activate(t, key.Code, "device-2")
	defer second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)

	// The response exposes the existing binding so the caller can tell
	// same-device re-entry apart from a foreign device.
	var envelope struct {
		Error struct {
			ErrorCode string                   `json:"error_code"`
			Details   apierrors.BindingDetails `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&envelope))
	assert.Equal(t, apierrors.CodeAlreadyActivated, envelope.Error.ErrorCode)
	assert.Equal(t, "device-1", envelope.Error.Details.DeviceID)
}

func TestLicenseHandler_Status(t *testing.T) {
	f := newLicenseServer(t)

	resp, err := http.Get(f.srv.URL + "/api/license/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiv1.VerdictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, domain.VerdictInactive, out.Verdict)
}

func TestLicenseHandler_StatusAfterActivation(t *testing.T) {
	f := newLicenseServer(t)
	key, err := f.issuer.Issue(context.Background(), domain.ClientInfo{Name: "Acme Ltd"}, 30)
	require.NoError(t, err)

	resp := f.activate(t, key.Code, "device-1")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp, err := http.Get(f.srv.URL + "/api/license/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()

	var out apiv1.VerdictResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&out))
	assert.Equal(t, domain.VerdictActive, out.Verdict)
	assert.Equal(t, "device-1", out.DeviceID)
	assert.NotNil(t, out.ExpiresAt)
	assert.Equal(t, license.MaskCode(key.Code), out.Code)
	assert.Greater(t, out.DaysRemaining, 0)
}

func TestLicenseHandler_RefreshPicksUpReset(t *testing.T) {
	f := newLicenseServer(t)
	key, err := f.issuer.Issue(context.Background(), domain.ClientInfo{Name: "Acme Ltd"}, 30)
	require.NoError(t, err)

	resp := f.activate(t, key.Code, "device-1")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.issuer.Reset(context.Background(), key.Code)
	require.NoError(t, err)

	refreshResp, err := http.Post(f.srv.URL+"/api/license/refresh", "application/json", nil)
	require.NoError(t, err)
	defer refreshResp.Body.Close()
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)

	var out apiv1.VerdictResponse
	require.NoError(t, json.NewDecoder(refreshResp.Body).Decode(&out))
	assert.Equal(t, domain.VerdictInactive, out.Verdict)
}

func TestHealthHandler_Liveness(t *testing.T) {
	st := store.NewMemoryStore()
	handler := NewHealthHandler(nil, st, testLogger())

	rec := httptest.NewRecorder()
	handler.Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out["status"])
}

func TestHealthHandler_ReadinessWithoutEngine(t *testing.T) {
	st := store.NewMemoryStore()
	handler := NewHealthHandler(nil, st, testLogger())

	rec := httptest.NewRecorder()
	handler.Readiness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
