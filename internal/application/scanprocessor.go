package application

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// DefaultDebounce is the minimum gap between two accepted codes.
const DefaultDebounce = 3 * time.Second

// ScanProcessorConfig tunes a ScanProcessor. Zero values select defaults:
// DefaultDebounce, no auto-reset, model.DefaultStatusConfig and time.Now.
type ScanProcessorConfig struct {
	Debounce       time.Duration
	AutoResetDelay time.Duration
	GracePeriod    time.Duration
	Statuses       model.StatusConfig
	AutoValidate   bool
	Now            func() time.Time
}

func (c ScanProcessorConfig) withDefaults() ScanProcessorConfig {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Statuses == (model.StatusConfig{}) {
		c.Statuses = model.DefaultStatusConfig()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ScanProcessor drives the check-in state machine of one operator for one
// event. At most one lookup-and-write cycle is in flight: a code is accepted
// only in StateScanning, and only Reset returns the processor there.
//
// Backend failures never escape; they surface as StateError with a reason.
type ScanProcessor struct {
	id       string
	event    model.Event
	backend  driven.Backend
	notifier driven.Notifier
	cfg      ScanProcessorConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        model.CheckInState
	participant  *model.Participant
	reason       string
	cycleID      string
	autoValidate bool
	feedback     model.FeedbackKind
	lastAccepted time.Time
	generation   uint64
	closed       bool
	resetTimer   *time.Timer
}

// NewScanProcessor creates a processor in StateScanning. notifier may be nil.
func NewScanProcessor(
	id string,
	event model.Event,
	backend driven.Backend,
	notifier driven.Notifier,
	cfg ScanProcessorConfig,
	logger *slog.Logger,
) *ScanProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	return &ScanProcessor{
		id:           id,
		event:        event,
		backend:      backend,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With("scanner", id, "event_id", event.ID),
		ctx:          ctx,
		cancel:       cancel,
		state:        model.StateScanning,
		autoValidate: cfg.AutoValidate,
	}
}

// ID returns the processor's identifier.
func (p *ScanProcessor) ID() string { return p.id }

// Event returns the event the processor checks participants into.
func (p *ScanProcessor) Event() model.Event { return p.event }

// Snapshot returns a copy of the current state.
func (p *ScanProcessor) Snapshot() model.ScanSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Submit offers a decoded code. It reports false when the code was dropped:
// the processor is not scanning, the debounce window since the last accepted
// code has not elapsed, or the code is blank. An accepted code runs the
// lookup (and, with auto-validate on, the write) before Submit returns.
func (p *ScanProcessor) Submit(ctx context.Context, rawCode string) (model.ScanSnapshot, bool) {
	code := strings.TrimSpace(rawCode)

	p.mu.Lock()
	now := p.cfg.Now()
	switch {
	case p.closed, p.state != model.StateScanning, code == "":
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, false
	case !p.lastAccepted.IsZero() && now.Sub(p.lastAccepted) < p.cfg.Debounce:
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.logger.Debug("scan debounced", "code", code)
		return snap, false
	}

	p.lastAccepted = now
	p.generation++
	gen := p.generation
	p.state = model.StateProcessing
	p.participant = nil
	p.reason = ""
	p.feedback = ""
	p.cycleID = uuid.NewString()
	p.mu.Unlock()

	cctx, done := p.cycleContext(ctx)
	defer done()

	participant, err := findParticipant(cctx, p.backend, p.event.ID, code)

	p.mu.Lock()
	if p.generation != gen {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, true
	}

	if err != nil {
		p.failLocked(err)
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.logger.Info("scan lookup failed", "code", code, "error", err)
		p.notify(model.FeedbackError)
		return snap, true
	}

	p.participant = &participant
	if participant.IsAttended(p.cfg.Statuses) {
		p.state = model.StateAlreadyAttended
		p.feedback = model.FeedbackWarning
		p.scheduleAutoResetLocked()
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.logger.Info("participant already attended", "participant_id", participant.ID)
		p.notify(model.FeedbackWarning)
		return snap, true
	}

	if !p.autoValidate {
		p.state = model.StateConfirming
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, true
	}
	p.mu.Unlock()

	return p.checkIn(cctx, gen, participant), true
}

// Confirm performs the check-in write for the participant awaiting
// confirmation. It returns driven.ErrInvalidTransition outside
// StateConfirming; write failures surface in the snapshot, not as an error.
func (p *ScanProcessor) Confirm(ctx context.Context) (model.ScanSnapshot, error) {
	p.mu.Lock()
	if p.closed || p.state != model.StateConfirming || p.participant == nil {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, driven.ErrInvalidTransition
	}
	p.state = model.StateProcessing
	gen := p.generation
	participant := *p.participant
	p.mu.Unlock()

	cctx, done := p.cycleContext(ctx)
	defer done()

	return p.checkIn(cctx, gen, participant), nil
}

// Reset returns an outcome state (or Confirming, as a cancel) to
// StateScanning, clearing the held participant and reason.
func (p *ScanProcessor) Reset() (model.ScanSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.state.Resettable() {
		return p.snapshotLocked(), driven.ErrInvalidTransition
	}
	p.resetLocked()
	return p.snapshotLocked(), nil
}

// SetAutoValidate switches auto-validate mode. It applies from the next lookup.
func (p *ScanProcessor) SetAutoValidate(on bool) model.ScanSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoValidate = on
	return p.snapshotLocked()
}

// Close abandons any in-flight cycle. Late results are discarded and every
// later operation is rejected.
func (p *ScanProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.generation++
	p.stopTimerLocked()
	p.cancel()
}

// checkIn performs the write for one cycle and applies its outcome.
func (p *ScanProcessor) checkIn(ctx context.Context, gen uint64, participant model.Participant) model.ScanSnapshot {
	var err error
	if p.event.Closed(p.cfg.Now(), p.cfg.GracePeriod) {
		err = driven.ErrEventClosed
	} else {
		err = setParticipantStatus(ctx, p.backend, participant.ID, p.cfg.Statuses.Attended)
	}

	p.mu.Lock()
	if p.generation != gen {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap
	}

	if err != nil {
		p.participant = &participant
		p.failLocked(err)
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.logger.Warn("check-in failed", "participant_id", participant.ID, "error", err)
		p.notify(model.FeedbackError)
		return snap
	}

	participant.StatusID = p.cfg.Statuses.Attended
	p.participant = &participant
	p.state = model.StateSuccess
	p.feedback = model.FeedbackSuccess
	p.scheduleAutoResetLocked()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Info("participant checked in", "participant_id", participant.ID, "cycle", snap.CycleID)
	p.notify(model.FeedbackSuccess)
	return snap
}

// cycleContext derives a context from ctx that is also canceled by Close.
func (p *ScanProcessor) cycleContext(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

func (p *ScanProcessor) failLocked(err error) {
	p.state = model.StateError
	p.reason = scanFailureReason(err)
	p.feedback = model.FeedbackError
}

func (p *ScanProcessor) resetLocked() {
	p.stopTimerLocked()
	p.generation++
	p.state = model.StateScanning
	p.participant = nil
	p.reason = ""
	p.feedback = ""
}

// scheduleAutoResetLocked arms the auto-reset timer for the current cycle.
// Only auto-validate mode resets on its own; Error always waits for the operator.
func (p *ScanProcessor) scheduleAutoResetLocked() {
	if !p.autoValidate || p.cfg.AutoResetDelay <= 0 {
		return
	}
	p.stopTimerLocked()
	cycle := p.cycleID
	p.resetTimer = time.AfterFunc(p.cfg.AutoResetDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || p.cycleID != cycle || !p.state.Resettable() || p.state == model.StateError {
			return
		}
		p.resetLocked()
	})
}

func (p *ScanProcessor) stopTimerLocked() {
	if p.resetTimer != nil {
		p.resetTimer.Stop()
		p.resetTimer = nil
	}
}

func (p *ScanProcessor) notify(kind model.FeedbackKind) {
	if p.notifier != nil {
		p.notifier.Notify(kind)
	}
}

func (p *ScanProcessor) snapshotLocked() model.ScanSnapshot {
	snap := model.ScanSnapshot{
		ScannerID:    p.id,
		EventID:      p.event.ID,
		State:        p.state,
		Reason:       p.reason,
		CycleID:      p.cycleID,
		AutoValidate: p.autoValidate,
		Feedback:     p.feedback,
	}
	if p.participant != nil {
		cp := *p.participant
		snap.Participant = &cp
	}
	return snap
}

// scanFailureReason maps an error to the operator-facing reason.
func scanFailureReason(err error) string {
	var be *driven.BackendError
	var ne *driven.NetworkError

	switch {
	case errors.Is(err, driven.ErrNotFound):
		return "participant not found"
	case errors.Is(err, driven.ErrEventClosed):
		return "event closed"
	case errors.Is(err, driven.ErrConfigMissing):
		return "no backend credential configured"
	case errors.Is(err, context.Canceled):
		return "scan cancelled"
	case errors.As(err, &be):
		if be.Status == http.StatusUnauthorized {
			return "session expired"
		}
		if be.Message != "" {
			return be.Message
		}
		return "backend rejected the request"
	case errors.As(err, &ne):
		return "backend unreachable"
	default:
		return "check-in failed"
	}
}
