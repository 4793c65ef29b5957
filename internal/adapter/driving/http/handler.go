// Package httphandler is the JSON API driving adapter used by the phone UI.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/application"
	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

const maxBodyBytes = 64 << 10

// Services bundles the application services the API exposes.
type Services struct {
	Settings     *application.SettingsService
	MagicLink    *application.MagicLinkService
	Events       *application.EventService
	Registration *application.RegistrationService
	Scanners     *application.ScannerRegistry
	Rosters      *application.RosterRegistry
	Backend      *application.BackendProvider
	Statuses     model.StatusConfig

	// Push serves the websocket endpoint. Nil disables the route.
	Push http.Handler
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	svc      Services
	sanitize sanitizer
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(svc Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:      svc,
		sanitize: newSanitizer(),
		now:      time.Now,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging, CSRF and recovery middleware. secureCookies marks the CSRF
// cookie Secure for HTTPS deployments.
func NewServeMux(h *Handler, secureCookies bool, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.svc.Push != nil {
		mux.Handle("GET /api/v1/ws", h.svc.Push)
	}

	mux.HandleFunc("POST /api/v1/auth/magic-link", h.MagicLink)
	mux.HandleFunc("PUT /api/v1/credentials/apikey", h.PutAPIKey)
	mux.HandleFunc("PUT /api/v1/credentials/oauth", h.PutOAuth)
	mux.HandleFunc("DELETE /api/v1/credentials/{kind}", h.DeleteCredential)
	mux.HandleFunc("POST /api/v1/logout", h.Logout)

	mux.HandleFunc("GET /api/v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/v1/settings", h.PutSettings)
	mux.HandleFunc("POST /api/v1/settings/import", h.ImportSettings)
	mux.HandleFunc("GET /api/v1/settings/export", h.ExportSettings)
	mux.HandleFunc("POST /api/v1/settings/check", h.CheckConnection)
	mux.HandleFunc("POST /api/v1/settings/detect-rest-path", h.DetectRestPath)

	mux.HandleFunc("GET /api/v1/me", h.Me)
	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/{eventID}", h.GetEvent)

	mux.HandleFunc("POST /api/v1/events/{eventID}/scanners", h.CreateScanner)
	mux.HandleFunc("GET /api/v1/scanners/{id}", h.GetScanner)
	mux.HandleFunc("DELETE /api/v1/scanners/{id}", h.DeleteScanner)
	mux.HandleFunc("POST /api/v1/scanners/{id}/scan", h.Scan)
	mux.HandleFunc("POST /api/v1/scanners/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /api/v1/scanners/{id}/reset", h.Reset)
	mux.HandleFunc("POST /api/v1/scanners/{id}/auto-validate", h.SetAutoValidate)

	mux.HandleFunc("GET /api/v1/events/{eventID}/roster", h.GetRoster)
	mux.HandleFunc("DELETE /api/v1/events/{eventID}/roster", h.CloseRoster)
	mux.HandleFunc("POST /api/v1/events/{eventID}/roster/refresh", h.RefreshRoster)
	mux.HandleFunc("POST /api/v1/events/{eventID}/roster/{participantID}/toggle", h.ToggleParticipant)

	mux.HandleFunc("GET /api/v1/contacts", h.SearchContacts)
	mux.HandleFunc("POST /api/v1/events/{eventID}/registrations", h.CreateRegistration)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = csrfMiddleware(secureCookies, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	configured := false
	if h.svc.Backend != nil {
		configured = h.svc.Backend.Connection().BackendURL != ""
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "ok",
		Time:              h.now().UTC().Format(time.RFC3339),
		BackendConfigured: configured,
	})
}

// errorStatus maps service errors to an HTTP status and a client message.
func errorStatus(err error) (int, string) {
	var be *driven.BackendError
	var ne *driven.NetworkError

	switch {
	case errors.Is(err, driven.ErrConfigMissing):
		return http.StatusPreconditionFailed, "backend connection is not configured"
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		return http.StatusPreconditionFailed, "credential encryption key is not configured"
	case errors.Is(err, driven.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, application.ErrRestPathNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, driven.ErrEventClosed):
		return http.StatusConflict, "event is closed for check-in"
	case errors.Is(err, driven.ErrInvalidTransition):
		return http.StatusConflict, "operation not allowed in the current scan state"
	case errors.Is(err, application.ErrRosterClosed):
		return http.StatusConflict, "roster was closed"
	case errors.Is(err, application.ErrConfigLocked):
		return http.StatusConflict, "connection settings are locked"
	case errors.Is(err, application.ErrInvalidSettings),
		errors.Is(err, application.ErrInvalidContact),
		errors.Is(err, driven.ErrTokenInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &be):
		switch be.Status {
		case http.StatusUnauthorized:
			return http.StatusUnauthorized, "backend session expired"
		case http.StatusForbidden:
			return http.StatusForbidden, "backend denied permission"
		}
		if be.Message != "" {
			return http.StatusBadGateway, "backend rejected the request: " + be.Message
		}
		return http.StatusBadGateway, "backend rejected the request"
	case errors.As(err, &ne):
		return http.StatusBadGateway, "backend unreachable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "error", err)
	} else {
		h.logger.Info(op+" rejected", "status", status, "error", err)
	}
	writeError(w, status, msg)
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+strings.TrimSuffix(name, "ID")+" id")
		return 0, false
	}
	return id, true
}

// loadSettings returns the current settings or writes an error.
func (h *Handler) loadSettings(w http.ResponseWriter, r *http.Request) (model.Settings, bool) {
	settings, err := h.svc.Settings.Load(r.Context())
	if err != nil {
		h.writeServiceError(w, "load settings", err)
		return model.Settings{}, false
	}
	return settings, true
}

// loadEvent fetches the event named by the eventID path value.
func (h *Handler) loadEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	id, ok := pathID(w, r, "eventID")
	if !ok {
		return model.Event{}, false
	}
	event, err := h.svc.Events.GetEvent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get event", err)
		return model.Event{}, false
	}
	return event, true
}

// Me returns the operator's own contact.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	contact, err := h.svc.Registration.CurrentContact(r.Context())
	if err != nil {
		h.writeServiceError(w, "current contact", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.contact(contact))
}

// ListEvents returns active events split into upcoming and past. The past
// list is filled when the show_past_events setting or ?past=true asks for it.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	settings, ok := h.loadSettings(w, r)
	if !ok {
		return
	}
	includePast := settings.ShowPastEvents
	if raw := r.URL.Query().Get("past"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid past parameter")
			return
		}
		includePast = v
	}

	list, err := h.svc.Events.ListEvents(r.Context(), includePast)
	if err != nil {
		h.writeServiceError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, EventListResponse{
		Upcoming: h.sanitize.events(list.Upcoming),
		Past:     h.sanitize.events(list.Past),
	})
}

// GetEvent returns a single event.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.event(event))
}

// SearchContacts finds contacts by name for walk-in registration.
func (h *Handler) SearchContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.svc.Registration.SearchContacts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeServiceError(w, "search contacts", err)
		return
	}
	resp := make([]ContactResponse, 0, len(contacts))
	for _, c := range contacts {
		resp = append(resp, h.sanitize.contact(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateRegistration registers an existing contact, or creates one from the
// name fields, for the event.
func (h *Handler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	var req RegistrationRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	var (
		p   model.Participant
		err error
	)
	if req.ContactID > 0 {
		p, err = h.svc.Registration.Register(r.Context(), eventID, req.ContactID)
	} else {
		p, err = h.svc.Registration.CreateAndRegister(r.Context(), eventID, model.NewContact{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Phone:     req.Phone,
		})
	}
	if err != nil {
		h.writeServiceError(w, "register participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.sanitize.participant(p, h.svc.Statuses))
}
