package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// participantSelect names the fields read for a participant. The joined
// contact fields are translated by the protocol layer where needed.
var participantSelect = []string{
	"id",
	"event_id",
	"contact_id",
	"status_id",
	"contact_id.display_name",
	"contact_id.email",
}

// participantFromRecord absorbs the field-name differences between the two
// protocol versions.
func participantFromRecord(rec model.Record) model.Participant {
	id, _ := rec.FirstInt("id", "participant_id")
	eventID, _ := rec.FirstInt("event_id")
	contactID, _ := rec.FirstInt("contact_id")
	statusID, _ := rec.FirstInt("status_id", "participant_status_id")
	return model.Participant{
		ID:          id,
		EventID:     eventID,
		ContactID:   contactID,
		DisplayName: rec.FirstString("contact_id.display_name", "display_name"),
		Email:       rec.FirstString("contact_id.email", "email"),
		StatusID:    statusID,
	}
}

// findParticipant looks up the participant identified by code within eventID.
// It returns driven.ErrNotFound when the backend yields zero records.
func findParticipant(ctx context.Context, backend driven.Backend, eventID int64, code string) (model.Participant, error) {
	resp, err := backend.Call(ctx, model.APIRequest{
		Entity: "Participant",
		Action: model.ActionGet,
		Query: model.Query{
			Select: participantSelect,
			Where:  []model.Condition{model.Eq("id", code), model.Eq("event_id", eventID)},
			Limit:  1,
		},
	})
	if err != nil {
		return model.Participant{}, err
	}
	rec := resp.First()
	if rec == nil {
		return model.Participant{}, fmt.Errorf("participant %q: %w", code, driven.ErrNotFound)
	}
	return participantFromRecord(rec), nil
}

// listParticipants fetches every participant of eventID.
func listParticipants(ctx context.Context, backend driven.Backend, eventID int64) ([]model.Participant, error) {
	resp, err := backend.Call(ctx, model.APIRequest{
		Entity: "Participant",
		Action: model.ActionGet,
		Query: model.Query{
			Select: participantSelect,
			Where:  []model.Condition{model.Eq("event_id", eventID)},
		},
	})
	if err != nil {
		return nil, err
	}
	participants := make([]model.Participant, 0, len(resp.Values))
	for _, rec := range resp.Values {
		p := participantFromRecord(rec)
		if p.EventID == 0 {
			p.EventID = eventID
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// setParticipantStatus writes statusID to the participant.
func setParticipantStatus(ctx context.Context, backend driven.Backend, participantID, statusID int64) error {
	_, err := backend.Call(ctx, model.APIRequest{
		Entity: "Participant",
		Action: model.ActionUpdate,
		Query: model.Query{
			Where:  []model.Condition{model.Eq("id", participantID)},
			Values: map[string]any{"status_id": statusID},
		},
	})
	return err
}

// backendTimeLayouts are the date formats the backend emits.
var backendTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseBackendTime parses a backend date in loc. An empty string yields the
// zero time.
func parseBackendTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range backendTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
