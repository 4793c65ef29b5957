package application

import (
	"log/slog"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.FeedbackSink = FeedbackFanout(nil)
	_ driven.FeedbackSink = (*LogNotifier)(nil)
	_ driven.Notifier     = scannerNotifier{}
)

// FeedbackFanout forwards every signal to each sink in order.
type FeedbackFanout []driven.FeedbackSink

// NotifyScanner implements driven.FeedbackSink.
func (f FeedbackFanout) NotifyScanner(scannerID string, kind model.FeedbackKind) {
	for _, s := range f {
		s.NotifyScanner(scannerID, kind)
	}
}

// LogNotifier records feedback signals at debug level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyScanner implements driven.FeedbackSink.
func (n *LogNotifier) NotifyScanner(scannerID string, kind model.FeedbackKind) {
	n.logger.Debug("feedback", "scanner", scannerID, "kind", kind)
}

// scannerNotifier binds a sink to one scanner.
type scannerNotifier struct {
	id   string
	sink driven.FeedbackSink
}

func (n scannerNotifier) Notify(kind model.FeedbackKind) {
	n.sink.NotifyScanner(n.id, kind)
}
