package httphandler

import (
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// MagicLink validates a magic-link token against the backend and stores it
// on success. The response status follows the validation outcome.
func (h *Handler) MagicLink(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.svc.MagicLink.Bootstrap(r.Context(), req.Token, req.URL)
	if err != nil {
		h.writeServiceError(w, "magic-link bootstrap", err)
		return
	}

	status := http.StatusOK
	switch result {
	case model.TokenUnauthorized:
		status = http.StatusUnauthorized
	case model.TokenPermissionDenied:
		status = http.StatusForbidden
	case model.TokenConnectionError:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, TokenValidationResponse{Result: string(result)})
}

// PutAPIKey stores an API key credential.
func (h *Handler) PutAPIKey(w http.ResponseWriter, r *http.Request) {
	var req APIKeyRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := h.svc.Settings.SaveAPIKey(r.Context(), req.Key, req.URL); err != nil {
		h.writeServiceError(w, "save api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutOAuth stores an OAuth session obtained by the browser.
func (h *Handler) PutOAuth(w http.ResponseWriter, r *http.Request) {
	var req OAuthRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	expiry, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expires_at must be an RFC 3339 timestamp")
		return
	}
	if err := h.svc.Settings.SaveOAuth(r.Context(), req.AccessToken, expiry, req.Authority); err != nil {
		h.writeServiceError(w, "save oauth session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredential removes one credential kind.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	kind := model.CredentialKind(r.PathValue("kind"))
	if err := h.svc.Settings.ClearCredential(r.Context(), kind); err != nil {
		h.writeServiceError(w, "clear credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logout closes every scanner and roster, then clears credentials and settings.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Scanners.CloseAll()
	h.svc.Rosters.CloseAll()
	if err := h.svc.Settings.Logout(r.Context()); err != nil {
		h.writeServiceError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings returns the stored settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, ok := h.loadSettings(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(settings))
}

// PutSettings validates and stores settings, reconnecting the backend client.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsResponse
	if !decodeBody(w, r, &req, false) {
		return
	}
	saved, err := h.svc.Settings.Save(r.Context(), req.toModel())
	if err != nil {
		h.writeServiceError(w, "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(saved))
}

// ImportSettings applies a share-link configuration and locks it.
func (h *Handler) ImportSettings(w http.ResponseWriter, r *http.Request) {
	var req ImportConfigRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	settings, err := h.svc.Settings.ImportConfig(r.Context(), req.Config)
	if err != nil {
		h.writeServiceError(w, "import settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(settings))
}

// ExportSettings returns the current connection as a share-link payload.
func (h *Handler) ExportSettings(w http.ResponseWriter, r *http.Request) {
	encoded, err := h.svc.Settings.ExportConfig(r.Context())
	if err != nil {
		h.writeServiceError(w, "export settings", err)
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Config: encoded})
}

// CheckConnection probes a backend URL with an API key without storing either.
func (h *Handler) CheckConnection(w http.ResponseWriter, r *http.Request) {
	var req CheckConnectionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "url and key are required")
		return
	}
	writeJSON(w, http.StatusOK, CheckConnectionResponse{OK: h.svc.Settings.CheckConnection(r.Context(), req.URL, req.Key)})
}

// DetectRestPath finds the APIv3 endpoint of a backend and stores it.
func (h *Handler) DetectRestPath(w http.ResponseWriter, r *http.Request) {
	var req DetectRestPathRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	path, err := h.svc.Settings.DetectRestPath(r.Context(), req.URL, req.Key, req.SiteKey)
	if err != nil {
		h.writeServiceError(w, "detect rest path", err)
		return
	}
	writeJSON(w, http.StatusOK, RestPathResponse{RestPath: path})
}
