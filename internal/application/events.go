package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// eventListLimit caps how many events are listed.
const eventListLimit = 20

var eventSelect = []string{"id", "title", "description", "start_date", "end_date"}

// EventList partitions events into those still running or ahead and those
// that have ended. Both are ordered newest first.
type EventList struct {
	Upcoming []model.Event
	Past     []model.Event
}

// EventService reads events from the backend.
type EventService struct {
	backend driven.Backend
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

// NewEventService creates an EventService. Backend dates carry no zone and
// are interpreted in loc; a nil loc means time.Local.
func NewEventService(backend driven.Backend, loc *time.Location, now func() time.Time, logger *slog.Logger) *EventService {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventService{backend: backend, loc: loc, now: now, logger: logger}
}

// ListEvents returns the most recent active events. Ended events are only
// included when includePast is true.
func (s *EventService) ListEvents(ctx context.Context, includePast bool) (EventList, error) {
	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Event",
		Action: model.ActionGet,
		Query: model.Query{
			Select:  eventSelect,
			Where:   []model.Condition{model.Eq("is_active", true)},
			OrderBy: map[string]string{"start_date": "DESC"},
			Limit:   eventListLimit,
		},
	})
	if err != nil {
		return EventList{}, fmt.Errorf("list events: %w", err)
	}

	now := s.now()
	list := EventList{Upcoming: []model.Event{}, Past: []model.Event{}}
	for _, rec := range resp.Values {
		ev := s.eventFromRecord(rec)
		if ev.Past(now) {
			if includePast {
				list.Past = append(list.Past, ev)
			}
			continue
		}
		list.Upcoming = append(list.Upcoming, ev)
	}
	return list, nil
}

// GetEvent returns one event, or driven.ErrNotFound.
func (s *EventService) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	resp, err := s.backend.Call(ctx, model.APIRequest{
		Entity: "Event",
		Action: model.ActionGet,
		Query: model.Query{
			Select: eventSelect,
			Where:  []model.Condition{model.Eq("id", id)},
			Limit:  1,
		},
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %d: %w", id, err)
	}
	rec := resp.First()
	if rec == nil {
		return model.Event{}, fmt.Errorf("event %d: %w", id, driven.ErrNotFound)
	}
	return s.eventFromRecord(rec), nil
}

func (s *EventService) eventFromRecord(rec model.Record) model.Event {
	id, _ := rec.FirstInt("id", "event_id")
	ev := model.Event{
		ID:          id,
		Title:       rec.FirstString("title", "event_title"),
		Description: rec.FirstString("description", "summary"),
	}

	var err error
	if ev.StartDate, err = parseBackendTime(rec.FirstString("start_date", "event_start_date"), s.loc); err != nil {
		s.logger.Warn("ignoring event start date", "event_id", id, "error", err)
	}
	if ev.EndDate, err = parseBackendTime(rec.FirstString("end_date", "event_end_date"), s.loc); err != nil {
		s.logger.Warn("ignoring event end date", "event_id", id, "error", err)
	}
	return ev
}
