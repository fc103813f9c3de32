package provision

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/registry"
)

// SessionIssuer mints and verifies bearer tokens for the admin API.
// internal/authdb.SessionIssuer implements this; declared here (not
// imported directly) to avoid provision depending on authdb's
// bcrypt/jwt surface for anything beyond this one method pair.
type SessionIssuer interface {
	Issue() (string, error)
	Verify(token string) error
}

// PasswordVerifier checks the root password (bootstrapped from
// auth:passwd).
// internal/authdb.DB implements this.
type PasswordVerifier interface {
	VerifyRootPassword(password string) error
}

// Hub mounts the Provisioning HTTP admin API of spec.md §6 onto an
// http.ServeMux, grounded on the teacher's mux.Hub (internal/mux/hub.go):
// a thin struct holding the services a route needs, with one method
// per route registered from RegisterHandlers.
type Hub struct {
	authority *Authority
	registry  *registry.Registry
	passwords PasswordVerifier
	sessions  SessionIssuer
}

// NewHub returns a Hub serving authority/registry through passwords/sessions.
func NewHub(authority *Authority, reg *registry.Registry, passwords PasswordVerifier, sessions SessionIssuer) *Hub {
	return &Hub{authority: authority, registry: reg, passwords: passwords, sessions: sessions}
}

// RegisterHandlers mounts every admin API route onto mux. LoginPath
// is exported so the caller can pass it to http.WithPublicPaths.
func (h *Hub) RegisterHandlers(mux *http.ServeMux) error {
	mux.HandleFunc("POST "+LoginPath, h.handleLogin)
	mux.HandleFunc("POST "+ProvisionServicePath, h.handleProvisionService)
	mux.HandleFunc("GET "+ServicesPath, h.handleServices)
	return nil
}

// Admin API route paths (spec.md §6).
const (
	LoginPath            = "/api/v1/aha/auth/login"
	ProvisionServicePath = "/api/v1/aha/provision/service"
	ServicesPath         = "/api/v1/aha/services"
)

type statusEnvelope struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeOK(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusEnvelope{Status: "ok", Result: result})
}

func writeErr(w http.ResponseWriter, httpStatus int, code core.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(statusEnvelope{Status: "err", Code: code.String(), Message: message})
}

func writeDomainErr(w http.ResponseWriter, err error) {
	code, ok := core.AsErrorCode(err)
	if !ok {
		writeErr(w, http.StatusBadRequest, core.ErrorCodeBadArg, err.Error())
		return
	}
	status := http.StatusBadRequest
	switch code {
	case core.ErrorCodeAuthDeny:
		status = http.StatusUnauthorized
	case core.ErrorCodeNoSuchName:
		status = http.StatusNotFound
	case core.ErrorCodeNotReady:
		status = http.StatusServiceUnavailable
	}
	writeErr(w, status, code, err.Error())
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin is the one unauthenticated route: it exchanges the
// root password (auth:passwd) for a bearer token (spec.md §6's admin-only
// routes all require this first).
func (h *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, core.ErrorCodeSchemaViolation, "malformed request body")
		return
	}
	if err := h.passwords.VerifyRootPassword(req.Password); err != nil {
		writeDomainErr(w, err)
		return
	}
	token, err := h.sessions.Issue()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, core.ErrorCodeBadArg, err.Error())
		return
	}
	writeOK(w, map[string]string{"token": token})
}

type provisionServiceRequest struct {
	Name     string         `json:"name"`
	ProvInfo map[string]any `json:"provinfo"`
}

// handleProvisionService implements spec.md §6's
// "POST /api/v1/aha/provision/service".
func (h *Hub) handleProvisionService(w http.ResponseWriter, r *http.Request) {
	var req provisionServiceRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, core.ErrorCodeSchemaViolation, "malformed request body")
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, core.ErrorCodeSchemaViolation, "name is required")
		return
	}
	url, err := h.authority.AddAhaSvcProv(context.WithoutCancel(r.Context()), req.Name, req.ProvInfo)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeOK(w, map[string]string{"url": url})
}

type servicesRequest struct {
	Network string `json:"network"`
}

// handleServices implements spec.md §6's "GET /api/v1/aha/services".
func (h *Hub) handleServices(w http.ResponseWriter, r *http.Request) {
	var req servicesRequest
	if r.ContentLength > 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, core.ErrorCodeSchemaViolation, "malformed request body")
			return
		}
	}
	records, err := h.registry.GetAhaSvcs(req.Network)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeOK(w, records)
}
