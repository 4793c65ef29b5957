package application

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// ScannerRegistry holds the live scan processors, one per operator session.
type ScannerRegistry struct {
	backend  driven.Backend
	sink     driven.FeedbackSink
	base     ScanProcessorConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	scanners map[string]*ScanProcessor
}

// NewScannerRegistry creates a registry. base supplies the debounce,
// auto-reset, status and clock settings of every processor it creates. Each
// processor's feedback goes to sink addressed by its ID; sink may be nil.
func NewScannerRegistry(backend driven.Backend, sink driven.FeedbackSink, base ScanProcessorConfig, logger *slog.Logger) *ScannerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScannerRegistry{
		backend:  backend,
		sink:     sink,
		base:     base,
		logger:   logger,
		scanners: make(map[string]*ScanProcessor),
	}
}

// Create starts a new processor for event.
func (r *ScannerRegistry) Create(event model.Event, grace time.Duration, autoValidate bool) *ScanProcessor {
	cfg := r.base
	cfg.GracePeriod = grace
	cfg.AutoValidate = autoValidate

	id := uuid.NewString()
	var notifier driven.Notifier
	if r.sink != nil {
		notifier = scannerNotifier{id: id, sink: r.sink}
	}
	p := NewScanProcessor(id, event, r.backend, notifier, cfg, r.logger)

	r.mu.Lock()
	r.scanners[p.ID()] = p
	n := len(r.scanners)
	r.mu.Unlock()

	r.logger.Info("scanner opened", "scanner", p.ID(), "event_id", event.ID, "open_scanners", n)
	return p
}

// Get returns the processor with the given ID.
func (r *ScannerRegistry) Get(id string) (*ScanProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.scanners[id]
	return p, ok
}

// Remove closes and forgets a processor. It reports whether one existed.
func (r *ScannerRegistry) Remove(id string) bool {
	r.mu.Lock()
	p, ok := r.scanners[id]
	delete(r.scanners, id)
	r.mu.Unlock()

	if ok {
		p.Close()
		r.logger.Info("scanner closed", "scanner", id)
	}
	return ok
}

// CloseAll closes every processor.
func (r *ScannerRegistry) CloseAll() {
	r.mu.Lock()
	scanners := r.scanners
	r.scanners = make(map[string]*ScanProcessor)
	r.mu.Unlock()

	for _, p := range scanners {
		p.Close()
	}
}
