package httphandler

import (
	"context"
	"net/http"

	"github.com/ericfisherdev/civiscan/internal/application"
)

// CreateScanner opens a scan session for the event. auto_validate defaults to
// the stored setting.
func (h *Handler) CreateScanner(w http.ResponseWriter, r *http.Request) {
	var req CreateScannerRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	settings, ok := h.loadSettings(w, r)
	if !ok {
		return
	}
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}

	autoValidate := settings.AutoValidate
	if req.AutoValidate != nil {
		autoValidate = *req.AutoValidate
	}
	p := h.svc.Scanners.Create(event, settings.GracePeriod, autoValidate)
	writeJSON(w, http.StatusCreated, h.sanitize.scan(p.Snapshot(), h.svc.Statuses))
}

func (h *Handler) scanner(w http.ResponseWriter, r *http.Request) (*application.ScanProcessor, bool) {
	p, ok := h.svc.Scanners.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "scanner not found")
		return nil, false
	}
	return p, true
}

// GetScanner returns the scanner's current state.
func (h *Handler) GetScanner(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scanner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.scan(p.Snapshot(), h.svc.Statuses))
}

// DeleteScanner closes a scan session, abandoning any in-flight cycle.
func (h *Handler) DeleteScanner(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Scanners.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "scanner not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scan submits one decoded code. Dropped codes (debounce, wrong state) are
// answered with accepted=false and the unchanged state.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scanner(w, r)
	if !ok {
		return
	}
	var req ScanRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	// A dropped phone connection must not abort a check-in half way; Close
	// on the scanner still cancels it.
	snap, accepted := p.Submit(context.WithoutCancel(r.Context()), req.Code)

	resp := h.sanitize.scan(snap, h.svc.Statuses)
	resp.Accepted = &accepted
	writeJSON(w, http.StatusOK, resp)
}

// Confirm performs the check-in for the participant awaiting confirmation.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scanner(w, r)
	if !ok {
		return
	}
	snap, err := p.Confirm(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeServiceError(w, "confirm scan", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.scan(snap, h.svc.Statuses))
}

// Reset returns the scanner to scanning from an outcome state.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scanner(w, r)
	if !ok {
		return
	}
	snap, err := p.Reset()
	if err != nil {
		h.writeServiceError(w, "reset scan", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.scan(snap, h.svc.Statuses))
}

// SetAutoValidate switches the scanner's auto-validate mode.
func (h *Handler) SetAutoValidate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scanner(w, r)
	if !ok {
		return
	}
	var req AutoValidateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.scan(p.SetAutoValidate(req.Enabled), h.svc.Statuses))
}

// roster returns the loaded roster for the eventID path value, opening it
// when none runs yet. A roster that fails its first load is closed again.
func (h *Handler) roster(w http.ResponseWriter, r *http.Request) (*application.Roster, bool) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return nil, false
	}

	roster, running := h.svc.Rosters.Get(eventID)
	if !running {
		settings, ok := h.loadSettings(w, r)
		if !ok {
			return nil, false
		}
		event, ok := h.loadEvent(w, r)
		if !ok {
			return nil, false
		}
		roster = h.svc.Rosters.Open(event, settings.GracePeriod)
	}

	if running && roster.Snapshot(application.SortNameAsc).Loaded {
		return roster, true
	}
	if err := roster.RequestRefresh(r.Context()); err != nil {
		if !running {
			h.svc.Rosters.Close(eventID)
		}
		h.writeServiceError(w, "load roster", err)
		return nil, false
	}
	return roster, true
}

// GetRoster returns the participant list with stats. ?sort= overrides the
// stored sort order.
func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	roster, ok := h.roster(w, r)
	if !ok {
		return
	}
	order := r.URL.Query().Get("sort")
	if order == "" {
		settings, ok := h.loadSettings(w, r)
		if !ok {
			return
		}
		order = settings.SortOrder
	}
	writeJSON(w, http.StatusOK, h.sanitize.roster(roster.Snapshot(order), h.svc.Statuses))
}

// RefreshRoster forces an immediate poll.
func (h *Handler) RefreshRoster(w http.ResponseWriter, r *http.Request) {
	roster, ok := h.roster(w, r)
	if !ok {
		return
	}
	if err := roster.RequestRefresh(r.Context()); err != nil {
		h.writeServiceError(w, "refresh roster", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.roster(roster.Snapshot(r.URL.Query().Get("sort")), h.svc.Statuses))
}

// CloseRoster stops polling the event's roster.
func (h *Handler) CloseRoster(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	if !h.svc.Rosters.Close(eventID) {
		writeError(w, http.StatusNotFound, "roster not open")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleParticipant flips a participant between attended and registered.
func (h *Handler) ToggleParticipant(w http.ResponseWriter, r *http.Request) {
	participantID, ok := pathID(w, r, "participantID")
	if !ok {
		return
	}
	roster, ok := h.roster(w, r)
	if !ok {
		return
	}
	p, err := roster.Toggle(context.WithoutCancel(r.Context()), participantID)
	if err != nil {
		h.writeServiceError(w, "toggle participant", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sanitize.participant(p, h.svc.Statuses))
}
