package model

import "time"

// StatusConfig holds the backend's participant status IDs. The values are a
// CiviCRM configuration convention, so they are configured, not hard-coded.
type StatusConfig struct {
	Attended   int64
	Registered int64
}

// DefaultStatusConfig returns the stock CiviCRM status IDs.
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{Attended: 2, Registered: 1}
}

// Participant is an event registration as read from the backend. It is never
// cached longer than one scan or poll cycle.
type Participant struct {
	ID          int64
	EventID     int64
	ContactID   int64
	DisplayName string
	Email       string
	StatusID    int64
}

// IsAttended reports whether the participant carries the Attended status.
// Every other status is treated as "not yet attended".
func (p Participant) IsAttended(s StatusConfig) bool {
	return p.StatusID == s.Attended
}

// Event is a backend event.
type Event struct {
	ID          int64
	Title       string
	Description string
	StartDate   time.Time
	EndDate     time.Time
}

// Closed reports whether the event ended more than grace ago. Events without
// an end date never close.
func (e Event) Closed(now time.Time, grace time.Duration) bool {
	if e.EndDate.IsZero() {
		return false
	}
	return now.After(e.EndDate.Add(grace))
}

// Past reports whether the event has ended, ignoring any grace period.
func (e Event) Past(now time.Time) bool {
	return !e.EndDate.IsZero() && e.EndDate.Before(now)
}

// Contact is a backend contact, used when registering walk-in participants.
type Contact struct {
	ID          int64
	DisplayName string
	Email       string
	Phone       string
	PostalCode  string
	City        string
}

// NewContact is the input for creating a contact.
type NewContact struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// RosterStats summarizes attendance for an event.
type RosterStats struct {
	Total     int
	Attended  int
	Remaining int
}
