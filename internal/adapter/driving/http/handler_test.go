package httphandler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/civiscan/internal/adapter/driving/http"
	"github.com/ericfisherdev/civiscan/internal/application"
	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// --- Mock implementations ---

type fakeBackend struct {
	mu     sync.Mutex
	calls  []model.APIRequest
	handle func(req model.APIRequest) (model.APIResponse, error)
}

func (b *fakeBackend) Call(_ context.Context, req model.APIRequest) (model.APIResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	handle := b.handle
	b.mu.Unlock()
	if handle == nil {
		return model.APIResponse{}, nil
	}
	return handle(req)
}

func (b *fakeBackend) updates() []model.APIRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.APIRequest
	for _, c := range b.calls {
		if c.Action == model.ActionUpdate {
			out = append(out, c)
		}
	}
	return out
}

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memSettings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memSettings) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *memSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memSettings) SetMany(ctx context.Context, values map[string]string) error {
	for k, v := range values {
		_ = s.Set(ctx, k, v)
	}
	return nil
}

func (s *memSettings) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *memSettings) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}

type memCreds struct {
	mu    sync.Mutex
	creds map[model.CredentialKind]model.Credential
}

func (s *memCreds) Get(_ context.Context, kind model.CredentialKind) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[kind]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memCreds) Set(_ context.Context, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Kind] = cred
	return nil
}

func (s *memCreds) Clear(_ context.Context, kind model.CredentialKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, kind)
	return nil
}

func (s *memCreds) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make(map[model.CredentialKind]model.Credential)
	return nil
}

type fakeConnector struct {
	backend  driven.Backend
	probeErr error
}

func (c *fakeConnector) Connect(model.Connection) (driven.Backend, error) { return c.backend, nil }

func (c *fakeConnector) Probe(context.Context, model.Connection, model.Credential) error {
	return c.probeErr
}

// --- Test helpers ---

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

const csrfToken = "test-csrf-token"

type fixture struct {
	backend   *fakeBackend
	settings  *memSettings
	creds     *memCreds
	connector *fakeConnector
	handler   http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture wires real application services around backend. A nil backend
// leaves the provider unconfigured.
func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	logger := discardLogger()
	clock := func() time.Time { return testNow }

	f := &fixture{
		backend:  backend,
		settings: &memSettings{values: map[string]string{driven.SettingBackendURL: "https://crm.example.org"}},
		creds:    &memCreds{creds: make(map[model.CredentialKind]model.Credential)},
	}

	var provider *application.BackendProvider
	connector := &fakeConnector{}
	f.connector = connector
	if backend != nil {
		connector.backend = backend
		provider = application.NewBackendProvider(backend, model.Connection{BackendURL: "https://crm.example.org", Version: model.ProtocolV4})
	} else {
		provider = application.NewBackendProvider(nil, model.Connection{})
	}

	statuses := model.DefaultStatusConfig()
	settingsSvc := application.NewSettingsService(f.settings, f.creds, connector, provider, model.DefaultSettings(), logger)
	scanners := application.NewScannerRegistry(provider, nil, application.ScanProcessorConfig{Statuses: statuses, Now: clock}, logger)
	rosters := application.NewRosterRegistry(provider, application.RosterConfig{PollInterval: time.Hour, Statuses: statuses, Now: clock}, logger)
	t.Cleanup(func() {
		scanners.CloseAll()
		rosters.CloseAll()
	})

	h := httphandler.NewHandler(httphandler.Services{
		Settings:     settingsSvc,
		MagicLink:    application.NewMagicLinkService(f.creds, settingsSvc, connector, clock, logger),
		Events:       application.NewEventService(provider, time.UTC, clock, logger),
		Registration: application.NewRegistrationService(provider, statuses, logger),
		Scanners:     scanners,
		Rosters:      rosters,
		Backend:      provider,
		Statuses:     statuses,
	}, logger)
	f.handler = httphandler.NewServeMux(h, false, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: csrfToken})
	req.Header.Set("X-CSRF-Token", csrfToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// crmBackend serves event 5, participant 1042 and accepts every write.
func crmBackend(statusID int64) *fakeBackend {
	var mu sync.Mutex
	status := statusID
	return &fakeBackend{handle: func(req model.APIRequest) (model.APIResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case req.Entity == "Event":
			return model.APIResponse{Values: []model.Record{{
				"id":         "5",
				"title":      "<b>Spring</b> Assembly",
				"start_date": "2026-03-14 08:00:00",
				"end_date":   "2026-03-14 12:00:00",
			}}}, nil
		case req.Entity == "Participant" && req.Action == model.ActionGet:
			return model.APIResponse{Values: []model.Record{{
				"id":                      int64(1042),
				"event_id":                int64(5),
				"contact_id":              int64(77),
				"status_id":               status,
				"contact_id.display_name": "Ada <script>alert(1)</script>Lovelace",
				"contact_id.email":        "ada@example.org",
			}}}, nil
		case req.Entity == "Participant" && req.Action == model.ActionUpdate:
			if v, ok := req.Query.Values["status_id"].(int64); ok {
				status = v
			}
			return model.APIResponse{}, nil
		case req.Entity == "Participant" && req.Action == model.ActionCreate:
			return model.APIResponse{Values: []model.Record{{"id": 501}}}, nil
		}
		return model.APIResponse{}, fmt.Errorf("unexpected %s.%s", req.Entity, req.Action)
	}}
}

// --- Tests ---

func TestHealth(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.BackendConfigured)
}

func TestCSRF(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logout", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/logout", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: csrfToken})
	req.Header.Set("X-CSRF-Token", "other")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "csrf_token", cookies[0].Name)
	assert.Len(t, cookies[0].Value, 64)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodGet, "/api/v1/events", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.EventListResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Upcoming, 1)
	assert.Equal(t, "Spring Assembly", resp.Upcoming[0].Title, "markup is stripped")
	assert.Equal(t, "2026-03-14T12:00:00Z", resp.Upcoming[0].EndDate)
	assert.NotNil(t, resp.Past)

	rec = f.do(t, http.MethodGet, "/api/v1/events?past=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEvent_InvalidID(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodGet, "/api/v1/events/abc", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScannerFlow(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodPost, "/api/v1/events/5/scanners", map[string]any{"auto_validate": false})
	require.Equal(t, http.StatusCreated, rec.Code)
	var scan httphandler.ScanResponse
	decodeJSON(t, rec, &scan)
	require.NotEmpty(t, scan.ScannerID)
	assert.Equal(t, "scanning", scan.State)
	base := "/api/v1/scanners/" + scan.ScannerID

	rec = f.do(t, http.MethodPost, base+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing to confirm yet")

	rec = f.do(t, http.MethodPost, base+"/scan", httphandler.ScanRequest{Code: "1042"})
	require.Equal(t, http.StatusOK, rec.Code)
	scan = httphandler.ScanResponse{}
	decodeJSON(t, rec, &scan)
	assert.Equal(t, "confirming", scan.State)
	require.NotNil(t, scan.Accepted)
	assert.True(t, *scan.Accepted)
	require.NotNil(t, scan.Participant)
	assert.Equal(t, "Ada Lovelace", scan.Participant.DisplayName)
	assert.Empty(t, f.backend.updates(), "no write before confirmation")

	rec = f.do(t, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scan = httphandler.ScanResponse{}
	decodeJSON(t, rec, &scan)
	assert.Equal(t, "success", scan.State)
	assert.Equal(t, "success", scan.Feedback)
	assert.True(t, scan.Participant.Attended)
	assert.Len(t, f.backend.updates(), 1)

	rec = f.do(t, http.MethodPost, base+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scan = httphandler.ScanResponse{}
	decodeJSON(t, rec, &scan)
	assert.Equal(t, "scanning", scan.State)
	assert.Nil(t, scan.Participant)

	rec = f.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScan_AlreadyAttended(t *testing.T) {
	f := newFixture(t, crmBackend(2))

	rec := f.do(t, http.MethodPost, "/api/v1/events/5/scanners", map[string]any{"auto_validate": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var scan httphandler.ScanResponse
	decodeJSON(t, rec, &scan)

	rec = f.do(t, http.MethodPost, "/api/v1/scanners/"+scan.ScannerID+"/scan", httphandler.ScanRequest{Code: "1042"})
	require.Equal(t, http.StatusOK, rec.Code)
	scan = httphandler.ScanResponse{}
	decodeJSON(t, rec, &scan)
	assert.Equal(t, "already_attended", scan.State)
	assert.Equal(t, "warning", scan.Feedback)
	assert.Empty(t, f.backend.updates())

	rec = f.do(t, http.MethodPost, "/api/v1/scanners/"+scan.ScannerID+"/scan", httphandler.ScanRequest{Code: "1042"})
	scan = httphandler.ScanResponse{}
	decodeJSON(t, rec, &scan)
	require.NotNil(t, scan.Accepted)
	assert.False(t, *scan.Accepted, "dropped while an outcome is shown")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "session expired", err: &driven.BackendError{Status: 401}, wantStatus: http.StatusUnauthorized},
		{name: "forbidden", err: &driven.BackendError{Status: 403}, wantStatus: http.StatusForbidden},
		{name: "backend error", err: &driven.BackendError{Status: 200, Message: "DB Error"}, wantStatus: http.StatusBadGateway},
		{name: "unreachable", err: &driven.NetworkError{Err: io.ErrUnexpectedEOF}, wantStatus: http.StatusBadGateway},
		{name: "no credential", err: fmt.Errorf("resolve: %w", driven.ErrConfigMissing), wantStatus: http.StatusPreconditionFailed},
		{name: "no key", err: driven.ErrEncryptionKeyNotSet, wantStatus: http.StatusPreconditionFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, &fakeBackend{handle: func(model.APIRequest) (model.APIResponse, error) {
				return model.APIResponse{}, tc.err
			}})

			rec := f.do(t, http.MethodGet, "/api/v1/me", nil)

			assert.Equal(t, tc.wantStatus, rec.Code)
			var resp map[string]string
			decodeJSON(t, rec, &resp)
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestNoBackendConfigured(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/events", nil)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestRosterToggle(t *testing.T) {
	f := newFixture(t, crmBackend(2))

	rec := f.do(t, http.MethodGet, "/api/v1/events/5/roster", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roster httphandler.RosterResponse
	decodeJSON(t, rec, &roster)
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, httphandler.RosterStatsResponse{Total: 1, Attended: 1, Remaining: 0}, roster.Stats)
	assert.Equal(t, "Spring Assembly", roster.Event.Title)

	rec = f.do(t, http.MethodPost, "/api/v1/events/5/roster/1042/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p httphandler.ParticipantResponse
	decodeJSON(t, rec, &p)
	assert.False(t, p.Attended)
	assert.Equal(t, int64(1), p.StatusID)

	updates := f.backend.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].Query.Values["status_id"])

	rec = f.do(t, http.MethodPost, "/api/v1/events/5/roster/999/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/events/5/roster", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/events/5/roster", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings httphandler.SettingsResponse
	decodeJSON(t, rec, &settings)
	assert.Equal(t, 4, settings.APIVersion)
	assert.Equal(t, 30, settings.GracePeriodMinutes)

	settings.SortOrder = "shuffled"
	rec = f.do(t, http.MethodPut, "/api/v1/settings", settings)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	encoded := base64.StdEncoding.EncodeToString([]byte(`{"url":"https://crm.example.org","apiKey":"k3y","apiVersion":"4"}`))
	rec = f.do(t, http.MethodPost, "/api/v1/settings/import", httphandler.ImportConfigRequest{Config: encoded})
	require.Equal(t, http.StatusOK, rec.Code)
	settings = httphandler.SettingsResponse{}
	decodeJSON(t, rec, &settings)
	assert.True(t, settings.ConfigLocked)

	settings.BackendURL = "https://other.example.org"
	rec = f.do(t, http.MethodPut, "/api/v1/settings", settings)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settings/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exported httphandler.ConfigResponse
	decodeJSON(t, rec, &exported)
	cfg, err := application.DecodeSharedConfig(exported.Config)
	require.NoError(t, err)
	assert.Equal(t, "k3y", cfg.APIKey)

	rec = f.do(t, http.MethodPost, "/api/v1/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.creds.creds)
}

func TestDetectRestPath(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodPost, "/api/v1/settings/detect-rest-path", httphandler.DetectRestPathRequest{
		URL: "https://crm.example.org", Key: "k3y",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/settings/detect-rest-path", httphandler.DetectRestPathRequest{
		URL: "https://crm.example.org", Key: "k3y", SiteKey: "s1te",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var got httphandler.RestPathResponse
	decodeJSON(t, rec, &got)
	assert.Equal(t, application.RestPathCandidates[0], got.RestPath)
	assert.Equal(t, application.RestPathCandidates[0], f.settings.values[driven.SettingRestPath])

	f.connector.probeErr = &driven.BackendError{Status: http.StatusNotFound}
	rec = f.do(t, http.MethodPost, "/api/v1/settings/detect-rest-path", httphandler.DetectRestPathRequest{
		URL: "https://crm.example.org", Key: "k3y", SiteKey: "s1te",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no CiviCRM REST endpoint found")
}

func TestCredentials(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodPut, "/api/v1/credentials/oauth", httphandler.OAuthRequest{
		AccessToken: "tok",
		ExpiresAt:   "tomorrow",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/credentials/oauth", httphandler.OAuthRequest{
		AccessToken: "tok",
		ExpiresAt:   testNow.Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, f.creds.creds, model.CredentialOAuth)

	rec = f.do(t, http.MethodDelete, "/api/v1/credentials/oauth", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, f.creds.creds, model.CredentialOAuth)

	rec = f.do(t, http.MethodDelete, "/api/v1/credentials/password", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMagicLink(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodPost, "/api/v1/auth/magic-link", httphandler.MagicLinkRequest{Token: "not-a-jwt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": testNow.Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/magic-link", httphandler.MagicLinkRequest{Token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.TokenValidationResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "success", resp.Result)
	assert.Contains(t, f.creds.creds, model.CredentialMagicLink)
}

func TestRegistration(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	rec := f.do(t, http.MethodPost, "/api/v1/events/5/registrations", httphandler.RegistrationRequest{ContactID: 77})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p httphandler.ParticipantResponse
	decodeJSON(t, rec, &p)
	assert.Equal(t, int64(501), p.ID)
	assert.Equal(t, int64(77), p.ContactID)

	rec = f.do(t, http.MethodPost, "/api/v1/events/5/registrations", httphandler.RegistrationRequest{Email: "x@example.org"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidBody(t *testing.T) {
	f := newFixture(t, crmBackend(1))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader("{"))
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: csrfToken})
	req.Header.Set("X-CSRF-Token", csrfToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
