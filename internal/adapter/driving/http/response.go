package httphandler

import (
	"encoding/json"
	"html"
	"net/http"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfisherdev/civiscan/internal/application"
	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status            string `json:"status"`
	Time              string `json:"time"`
	BackendConfigured bool   `json:"backend_configured"`
}

// ParticipantResponse is the JSON representation of an event participant.
type ParticipantResponse struct {
	ID          int64  `json:"id"`
	EventID     int64  `json:"event_id"`
	ContactID   int64  `json:"contact_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	StatusID    int64  `json:"status_id"`
	Attended    bool   `json:"attended"`
}

// EventResponse is the JSON representation of an event.
type EventResponse struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// EventListResponse groups events for the picker.
type EventListResponse struct {
	Upcoming []EventResponse `json:"upcoming"`
	Past     []EventResponse `json:"past"`
}

// ScanResponse is the JSON representation of a scanner's state.
type ScanResponse struct {
	ScannerID    string               `json:"scanner_id"`
	EventID      int64                `json:"event_id"`
	State        string               `json:"state"`
	Participant  *ParticipantResponse `json:"participant"`
	Reason       string               `json:"reason,omitempty"`
	CycleID      string               `json:"cycle_id,omitempty"`
	AutoValidate bool                 `json:"auto_validate"`
	Feedback     string               `json:"feedback,omitempty"`
	Accepted     *bool                `json:"accepted,omitempty"`
}

// RosterStatsResponse summarizes attendance.
type RosterStatsResponse struct {
	Total     int `json:"total"`
	Attended  int `json:"attended"`
	Remaining int `json:"remaining"`
}

// RosterResponse is the JSON representation of an event roster.
type RosterResponse struct {
	Event        EventResponse         `json:"event"`
	Participants []ParticipantResponse `json:"participants"`
	Stats        RosterStatsResponse   `json:"stats"`
	Closed       bool                  `json:"closed"`
	RefreshedAt  string                `json:"refreshed_at,omitempty"`
}

// ContactResponse is the JSON representation of a backend contact.
type ContactResponse struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	City        string `json:"city,omitempty"`
}

// SettingsResponse is the JSON representation of the stored settings. It is
// also the body of PUT /api/v1/settings; config_locked is ignored there.
type SettingsResponse struct {
	BackendURL         string `json:"backend_url"`
	APIVersion         int    `json:"api_version"`
	SiteKey            string `json:"site_key"`
	RestPath           string `json:"rest_path"`
	GracePeriodMinutes int    `json:"grace_period_minutes"`
	SortOrder          string `json:"sort_order"`
	ShowPastEvents     bool   `json:"show_past_events"`
	ConfigLocked       bool   `json:"config_locked"`
	AutoValidate       bool   `json:"auto_validate"`
}

// TokenValidationResponse reports the outcome of a magic-link bootstrap.
type TokenValidationResponse struct {
	Result string `json:"result"`
}

// ConfigResponse carries an encoded share-link configuration.
type ConfigResponse struct {
	Config string `json:"config"`
}

// CheckConnectionResponse reports whether a connection check succeeded.
type CheckConnectionResponse struct {
	OK bool `json:"ok"`
}

// RestPathResponse carries a detected APIv3 endpoint path.
type RestPathResponse struct {
	RestPath string `json:"rest_path"`
}

// --- request bodies ---

// MagicLinkRequest is the JSON body of the magic-link bootstrap endpoint.
type MagicLinkRequest struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// APIKeyRequest is the JSON body for storing an API key.
type APIKeyRequest struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// OAuthRequest is the JSON body for storing an OAuth session.
type OAuthRequest struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	Authority   string `json:"authority"`
}

// ImportConfigRequest is the JSON body of the settings import endpoint.
type ImportConfigRequest struct {
	Config string `json:"config"`
}

// CheckConnectionRequest is the JSON body of the connection check endpoint.
type CheckConnectionRequest struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// DetectRestPathRequest is the JSON body of the REST path detection endpoint.
type DetectRestPathRequest struct {
	URL     string `json:"url"`
	Key     string `json:"key"`
	SiteKey string `json:"site_key"`
}

// CreateScannerRequest is the optional JSON body when opening a scanner.
type CreateScannerRequest struct {
	AutoValidate *bool `json:"auto_validate"`
}

// ScanRequest carries one decoded QR code.
type ScanRequest struct {
	Code string `json:"code"`
}

// AutoValidateRequest switches a scanner's auto-validate mode.
type AutoValidateRequest struct {
	Enabled bool `json:"enabled"`
}

// RegistrationRequest registers an existing contact (ContactID set) or a new
// one built from the name fields.
type RegistrationRequest struct {
	ContactID int64  `json:"contact_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// sanitizer strips markup from backend-supplied text before it is served.
// Plain fields lose every tag; event descriptions keep safe formatting.
type sanitizer struct {
	plain       *bluemonday.Policy
	description descriptionRenderer
}

func newSanitizer() sanitizer {
	return sanitizer{plain: bluemonday.StrictPolicy(), description: newDescriptionRenderer()}
}

// text strips every tag and decodes entities.
func (s sanitizer) text(in string) string {
	return html.UnescapeString(s.plain.Sanitize(in))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s sanitizer) participant(p model.Participant, statuses model.StatusConfig) ParticipantResponse {
	return ParticipantResponse{
		ID:          p.ID,
		EventID:     p.EventID,
		ContactID:   p.ContactID,
		DisplayName: s.text(p.DisplayName),
		Email:       s.text(p.Email),
		StatusID:    p.StatusID,
		Attended:    p.IsAttended(statuses),
	}
}

func (s sanitizer) event(e model.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		Title:       s.text(e.Title),
		Description: s.description.render(e.Description),
		StartDate:   formatTime(e.StartDate),
		EndDate:     formatTime(e.EndDate),
	}
}

func (s sanitizer) events(in []model.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, s.event(e))
	}
	return out
}

func (s sanitizer) scan(snap model.ScanSnapshot, statuses model.StatusConfig) ScanResponse {
	resp := ScanResponse{
		ScannerID:    snap.ScannerID,
		EventID:      snap.EventID,
		State:        string(snap.State),
		Reason:       snap.Reason,
		CycleID:      snap.CycleID,
		AutoValidate: snap.AutoValidate,
		Feedback:     string(snap.Feedback),
	}
	if snap.Participant != nil {
		p := s.participant(*snap.Participant, statuses)
		resp.Participant = &p
	}
	return resp
}

func (s sanitizer) roster(snap application.RosterSnapshot, statuses model.StatusConfig) RosterResponse {
	participants := make([]ParticipantResponse, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		participants = append(participants, s.participant(p, statuses))
	}
	return RosterResponse{
		Event:        s.event(snap.Event),
		Participants: participants,
		Stats: RosterStatsResponse{
			Total:     snap.Stats.Total,
			Attended:  snap.Stats.Attended,
			Remaining: snap.Stats.Remaining,
		},
		Closed:      snap.Closed,
		RefreshedAt: formatTime(snap.RefreshedAt),
	}
}

func (s sanitizer) contact(c model.Contact) ContactResponse {
	return ContactResponse{
		ID:          c.ID,
		DisplayName: s.text(c.DisplayName),
		Email:       s.text(c.Email),
		Phone:       s.text(c.Phone),
		PostalCode:  s.text(c.PostalCode),
		City:        s.text(c.City),
	}
}

func toSettingsResponse(in model.Settings) SettingsResponse {
	return SettingsResponse{
		BackendURL:         in.BackendURL,
		APIVersion:         int(in.APIVersion),
		SiteKey:            in.SiteKey,
		RestPath:           in.RestPath,
		GracePeriodMinutes: int(in.GracePeriod / time.Minute),
		SortOrder:          in.SortOrder,
		ShowPastEvents:     in.ShowPastEvents,
		ConfigLocked:       in.ConfigLocked,
		AutoValidate:       in.AutoValidate,
	}
}

func (r SettingsResponse) toModel() model.Settings {
	return model.Settings{
		BackendURL:     r.BackendURL,
		APIVersion:     model.ProtocolVersion(r.APIVersion),
		SiteKey:        r.SiteKey,
		RestPath:       r.RestPath,
		GracePeriod:    time.Duration(r.GracePeriodMinutes) * time.Minute,
		SortOrder:      r.SortOrder,
		ShowPastEvents: r.ShowPastEvents,
		AutoValidate:   r.AutoValidate,
	}
}
