package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

const contactSearchLimit = 10

// ErrInvalidContact is returned when a new contact lacks a name.
var ErrInvalidContact = errors.New("contact requires a first or last name")

var contactSelect = []string{
	"id",
	"display_name",
	"email_primary.email",
	"phone_primary.phone",
	"address_primary.postal_code",
	"address_primary.city",
}

// RegistrationService registers walk-in participants.
type RegistrationService struct {
	backend  driven.Backend
	statuses model.StatusConfig
	logger   *slog.Logger
}

// NewRegistrationService creates a RegistrationService.
func NewRegistrationService(backend driven.Backend, statuses model.StatusConfig, logger *slog.Logger) *RegistrationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationService{backend: backend, statuses: statuses, logger: logger}
}

// SearchContacts returns up to ten contacts whose sort name contains query.
// A blank query returns no contacts without calling the backend.
func (s *RegistrationService) SearchContacts(ctx context.Context, query string) ([]model.Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Contact{}, nil
	}

	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Contact",
		Action: model.ActionGet,
		Query: model.Query{
			Select: contactSelect,
			Where:  []model.Condition{{Field: "sort_name", Op: "LIKE", Value: "%" + query + "%"}},
			Limit:  contactSearchLimit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}

	contacts := make([]model.Contact, 0, len(resp.Values))
	for _, rec := range resp.Values {
		contacts = append(contacts, contactFromRecord(rec))
	}
	return contacts, nil
}

// CurrentContact returns the contact the active credential belongs to.
func (s *RegistrationService) CurrentContact(ctx context.Context) (model.Contact, error) {
	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Contact",
		Action: model.ActionGet,
		Query: model.Query{
			Select: contactSelect,
			Where:  []model.Condition{model.Eq("id", "user_contact_id")},
			Limit:  1,
		},
	})
	if err != nil {
		return model.Contact{}, fmt.Errorf("current contact: %w", err)
	}
	rec := resp.First()
	if rec == nil {
		return model.Contact{}, fmt.Errorf("current contact: %w", driven.ErrNotFound)
	}
	return contactFromRecord(rec), nil
}

// Register adds contactID to eventID with the Registered status.
func (s *RegistrationService) Register(ctx context.Context, eventID, contactID int64) (model.Participant, error) {
	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Participant",
		Action: model.ActionCreate,
		Query: model.Query{
			Values: map[string]any{
				"contact_id": contactID,
				"event_id":   eventID,
				"status_id":  s.statuses.Registered,
			},
		},
	})
	if err != nil {
		return model.Participant{}, fmt.Errorf("register contact %d for event %d: %w", contactID, eventID, err)
	}

	p := model.Participant{EventID: eventID, ContactID: contactID, StatusID: s.statuses.Registered}
	if rec := resp.First(); rec != nil {
		p.ID, _ = rec.FirstInt("id", "participant_id")
	} else if id, ok := model.Record(resp.Raw).Int("id"); ok {
		p.ID = id
	}

	s.logger.Info("participant registered", "event_id", eventID, "contact_id", contactID, "participant_id", p.ID)
	return p, nil
}

// CreateAndRegister creates an individual contact and registers it for eventID.
func (s *RegistrationService) CreateAndRegister(ctx context.Context, eventID int64, nc model.NewContact) (model.Participant, error) {
	nc.FirstName = strings.TrimSpace(nc.FirstName)
	nc.LastName = strings.TrimSpace(nc.LastName)
	if nc.FirstName == "" && nc.LastName == "" {
		return model.Participant{}, ErrInvalidContact
	}

	values := map[string]any{
		"contact_type": "Individual",
		"first_name":   nc.FirstName,
		"last_name":    nc.LastName,
	}
	if email := strings.TrimSpace(nc.Email); email != "" {
		values["email_primary.email"] = email
	}
	if phone := strings.TrimSpace(nc.Phone); phone != "" {
		values["phone_primary.phone"] = phone
	}

	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Contact",
		Action: model.ActionCreate,
		Query:  model.Query{Values: values},
	})
	if err != nil {
		return model.Participant{}, fmt.Errorf("create contact: %w", err)
	}

	contactID, ok := resp.First().Int("id")
	if !ok {
		contactID, ok = model.Record(resp.Raw).Int("id")
	}
	if !ok {
		return model.Participant{}, errors.New("create contact: backend returned no contact id")
	}

	return s.Register(ctx, eventID, contactID)
}

func contactFromRecord(rec model.Record) model.Contact {
	id, _ := rec.FirstInt("id", "contact_id")
	return model.Contact{
		ID:          id,
		DisplayName: rec.FirstString("display_name", "sort_name"),
		Email:       rec.FirstString("email_primary.email", "email"),
		Phone:       rec.FirstString("phone_primary.phone", "phone"),
		PostalCode:  rec.FirstString("address_primary.postal_code", "postal_code"),
		City:        rec.FirstString("address_primary.city", "city"),
	}
}
