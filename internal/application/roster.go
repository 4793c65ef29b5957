// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// ErrRosterClosed is returned by RequestRefresh once the roster's poll loop
// has stopped.
var ErrRosterClosed = errors.New("roster is closed")

// DefaultPollInterval is how often a roster refetches its participant list.
const DefaultPollInterval = 30 * time.Second

// Roster sort orders.
const (
	SortNameAsc  = "name_asc"
	SortNameDesc = "name_desc"
	SortStatus   = "status"
)

// RosterConfig tunes a Roster. Zero values select defaults.
type RosterConfig struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	Statuses     model.StatusConfig
	Now          func() time.Time
}

func (c RosterConfig) withDefaults() RosterConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Statuses == (model.StatusConfig{}) {
		c.Statuses = model.DefaultStatusConfig()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// RosterSnapshot is a copy of a roster at one point in time.
type RosterSnapshot struct {
	Event        model.Event
	Participants []model.Participant
	Stats        model.RosterStats
	Closed       bool
	Loaded       bool
	RefreshedAt  time.Time
}

// Roster keeps the participant list of one event and applies status toggles
// optimistically. A failed toggle always rolls the participant back.
//
// Poll results that overlap a status write are discarded; the first poll
// started after the write completes is authoritative.
type Roster struct {
	event     model.Event
	backend   driven.Backend
	cfg       RosterConfig
	logger    *slog.Logger
	refreshCh chan chan error
	stopped   chan struct{}
	stopOnce  sync.Once

	mu           sync.Mutex
	participants []model.Participant
	loaded       bool
	refreshedAt  time.Time
	writes       int    // status writes in flight
	mutations    uint64 // bumped when a write starts or ends
}

// NewRoster creates a Roster for event. Call Start to begin polling.
func NewRoster(event model.Event, backend driven.Backend, cfg RosterConfig, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		event:     event,
		backend:   backend,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("event_id", event.ID),
		refreshCh: make(chan chan error),
		stopped:   make(chan struct{}),
	}
}

// stop marks the roster closed. Pending and later refresh requests fail with
// ErrRosterClosed.
func (r *Roster) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// Start runs an immediate refresh, then refreshes on the poll interval and on
// manual requests. Start blocks until the context is canceled; the roster
// is closed when it returns.
func (r *Roster) Start(ctx context.Context) {
	defer r.stop()

	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("initial roster refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("roster polling stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("roster poll failed", "error", err)
			}
		case done := <-r.refreshCh:
			done <- r.Refresh(ctx)
		}
	}
}

// RequestRefresh asks the running poll loop for an immediate refresh and
// waits for it to complete or for ctx to be canceled. It returns
// ErrRosterClosed when the loop has stopped.
func (r *Roster) RequestRefresh(ctx context.Context) error {
	done := make(chan error, 1)

	select {
	case r.refreshCh <- done:
	case <-r.stopped:
		return ErrRosterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh fetches the full participant list and replaces the local copy,
// unless a status write overlapped the fetch.
func (r *Roster) Refresh(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	seq := r.mutations
	r.mu.Unlock()

	participants, err := listParticipants(ctx, r.backend, r.event.ID)
	if err != nil {
		return fmt.Errorf("refresh roster: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writes > 0 || r.mutations != seq {
		r.logger.Debug("discarding roster poll that overlapped a status write")
		return nil
	}

	r.participants = participants
	r.loaded = true
	r.refreshedAt = r.cfg.Now()

	r.logger.Debug("roster refreshed",
		"participants", len(participants),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Toggle flips a participant between Attended and Registered. The local copy
// changes first; if the backend write fails the participant's previous status
// is restored and the error returned.
func (r *Roster) Toggle(ctx context.Context, participantID int64) (model.Participant, error) {
	if r.event.Closed(r.cfg.Now(), r.cfg.GracePeriod) {
		return model.Participant{}, driven.ErrEventClosed
	}

	r.mu.Lock()
	idx := r.indexLocked(participantID)
	if idx < 0 {
		r.mu.Unlock()
		return model.Participant{}, fmt.Errorf("participant %d: %w", participantID, driven.ErrNotFound)
	}
	previous := r.participants[idx].StatusID
	next := r.cfg.Statuses.Attended
	if r.participants[idx].IsAttended(r.cfg.Statuses) {
		next = r.cfg.Statuses.Registered
	}
	r.participants[idx].StatusID = next
	r.writes++
	r.mutations++
	r.mu.Unlock()

	err := setParticipantStatus(ctx, r.backend, participantID, next)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes--
	r.mutations++

	idx = r.indexLocked(participantID)
	if err != nil {
		if idx >= 0 && r.participants[idx].StatusID == next {
			r.participants[idx].StatusID = previous
		}
		r.logger.Warn("status toggle rolled back", "participant_id", participantID, "error", err)
		return model.Participant{}, fmt.Errorf("toggle participant %d: %w", participantID, err)
	}

	r.logger.Info("participant status toggled", "participant_id", participantID, "status_id", next)
	if idx < 0 {
		return model.Participant{ID: participantID, EventID: r.event.ID, StatusID: next}, nil
	}
	return r.participants[idx], nil
}

// Snapshot returns the participants ordered by sortOrder, with stats.
func (r *Roster) Snapshot(sortOrder string) RosterSnapshot {
	r.mu.Lock()
	participants := make([]model.Participant, len(r.participants))
	copy(participants, r.participants)
	snap := RosterSnapshot{
		Event:       r.event,
		Loaded:      r.loaded,
		RefreshedAt: r.refreshedAt,
		Closed:      r.event.Closed(r.cfg.Now(), r.cfg.GracePeriod),
	}
	r.mu.Unlock()

	SortParticipants(participants, sortOrder, r.cfg.Statuses)
	snap.Participants = participants
	snap.Stats = Stats(participants, r.cfg.Statuses)
	return snap
}

func (r *Roster) indexLocked(participantID int64) int {
	for i := range r.participants {
		if r.participants[i].ID == participantID {
			return i
		}
	}
	return -1
}

// Stats counts attended and remaining participants.
func Stats(participants []model.Participant, statuses model.StatusConfig) model.RosterStats {
	stats := model.RosterStats{Total: len(participants)}
	for _, p := range participants {
		if p.IsAttended(statuses) {
			stats.Attended++
		}
	}
	stats.Remaining = stats.Total - stats.Attended
	return stats
}

// SortParticipants orders participants in place. Unknown orders fall back to
// SortNameAsc. Ties break on ID.
func SortParticipants(participants []model.Participant, order string, statuses model.StatusConfig) {
	byName := func(a, b model.Participant) int {
		return strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
	}

	sort.SliceStable(participants, func(i, j int) bool {
		a, b := participants[i], participants[j]
		var c int
		switch order {
		case SortNameDesc:
			c = -byName(a, b)
		case SortStatus:
			// Remaining participants first.
			switch ai, bi := a.IsAttended(statuses), b.IsAttended(statuses); {
			case ai == bi:
				c = byName(a, b)
			case bi:
				c = -1
			default:
				c = 1
			}
		default:
			c = byName(a, b)
		}
		if c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

// RosterRegistry runs one polling Roster per event on demand.
type RosterRegistry struct {
	backend driven.Backend
	base    RosterConfig
	logger  *slog.Logger

	mu      sync.Mutex
	rosters map[int64]*rosterEntry
}

type rosterEntry struct {
	roster *Roster
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRosterRegistry creates a registry whose rosters share backend and base.
func NewRosterRegistry(backend driven.Backend, base RosterConfig, logger *slog.Logger) *RosterRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RosterRegistry{
		backend: backend,
		base:    base,
		logger:  logger,
		rosters: make(map[int64]*rosterEntry),
	}
}

// Open returns the roster for event, starting its poll loop on first use.
// The grace period is fixed when the roster starts.
func (g *RosterRegistry) Open(event model.Event, grace time.Duration) *Roster {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.rosters[event.ID]; ok {
		return e.roster
	}

	cfg := g.base
	cfg.GracePeriod = grace
	roster := NewRoster(event, g.backend, cfg, g.logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &rosterEntry{roster: roster, cancel: cancel, done: make(chan struct{})}
	g.rosters[event.ID] = e

	go func() {
		defer close(e.done)
		roster.Start(ctx)
	}()
	return roster
}

// Get returns the running roster for eventID.
func (g *RosterRegistry) Get(eventID int64) (*Roster, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rosters[eventID]
	if !ok {
		return nil, false
	}
	return e.roster, true
}

// Close stops the roster for eventID, abandoning any in-flight poll, and
// waits for its loop to exit. It reports whether a roster was running.
func (g *RosterRegistry) Close(eventID int64) bool {
	g.mu.Lock()
	e, ok := g.rosters[eventID]
	delete(g.rosters, eventID)
	g.mu.Unlock()

	if !ok {
		return false
	}
	e.roster.stop()
	e.cancel()
	<-e.done
	return true
}

// CloseAll stops every roster.
func (g *RosterRegistry) CloseAll() {
	g.mu.Lock()
	ids := make([]int64, 0, len(g.rosters))
	for id := range g.rosters {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Close(id)
	}
}
