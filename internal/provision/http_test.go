package provision_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/authdb"
	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/registry"
	"github.com/vertex-link/aha/internal/slab"
)

func newTestHub(t *testing.T) *http.ServeMux {
	t.Helper()
	tree := hive.New()
	leader := nexus.NewLeader(slab.NewMemLog(), tree)
	pkiAuth := pki.NewAuthority("root-secret", leader, tree)
	authority := provision.New(leader, tree, pkiAuth, provision.Config{
		AhaURLs: []string{"aha-1.example"}, Network: "example", ProvisionListen: "0.0.0.0:9443",
	})
	reg := registry.New(leader, tree, "")
	db := authdb.New(leader, tree)
	require.NoError(t, db.SetRootPassword(t.Context(), "correct-horse-battery"))
	sessions := authdb.NewSessionIssuer([]byte("test-signing-key"))

	hub := provision.NewHub(authority, reg, db, sessions)
	mux := http.NewServeMux()
	require.NoError(t, hub.RegisterHandlers(mux))
	return mux
}

func TestLoginWithCorrectPasswordReturnsToken(t *testing.T) {
	mux := newTestHub(t)

	body := strings.NewReader(`{"password":"correct-horse-battery"}`)
	req := httptest.NewRequest(http.MethodPost, provision.LoginPath, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	result := resp["result"].(map[string]any)
	assert.NotEmpty(t, result["token"])
}

func TestLoginWithWrongPasswordIsAuthDenied(t *testing.T) {
	mux := newTestHub(t)

	body := strings.NewReader(`{"password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, provision.LoginPath, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.ErrorCodeAuthDeny.String(), resp["code"])
}

func TestProvisionServiceReturnsURL(t *testing.T) {
	mux := newTestHub(t)

	body := strings.NewReader(`{"name":"worker-1"}`)
	req := httptest.NewRequest(http.MethodPost, provision.ProvisionServicePath, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	result := resp["result"].(map[string]any)
	assert.Contains(t, result["url"], "ssl://")
}

func TestProvisionServiceRejectsUnknownFields(t *testing.T) {
	mux := newTestHub(t)

	body := strings.NewReader(`{"name":"worker-1","bogus":true}`)
	req := httptest.NewRequest(http.MethodPost, provision.ProvisionServicePath, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.ErrorCodeSchemaViolation.String(), resp["code"])
}

func TestServicesListsEmptyRegistry(t *testing.T) {
	mux := newTestHub(t)

	req := httptest.NewRequest(http.MethodGet, provision.ServicesPath, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Empty(t, resp["result"])
}
