// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// Backend defines the driven port for the remote event-management backend.
// Implementations hide the wire protocol: callers never branch on the
// protocol version.
type Backend interface {
	// Call performs one entity-action request and returns the canonical
	// response. It never retries.
	Call(ctx context.Context, req model.APIRequest) (model.APIResponse, error)
}

// SessionObserver receives the process-wide "session expired" broadcast.
type SessionObserver interface {
	SessionExpired()
}

// Notifier hands feedback signals to the audio/haptic layer of one operator.
type Notifier interface {
	Notify(kind model.FeedbackKind)
}

// FeedbackSink delivers feedback addressed to a scanner. Only the operator
// holding that scanner receives it.
type FeedbackSink interface {
	NotifyScanner(scannerID string, kind model.FeedbackKind)
}

// Connector builds backend clients for a connection. The protocol strategy is
// chosen once here, when the connection is established.
type Connector interface {
	// Connect returns a Backend bound to conn that resolves credentials per call.
	Connect(conn model.Connection) (Backend, error)

	// Probe performs a minimal read-only request with exactly cred, bypassing
	// the credential store. It never fires the session-expired signal.
	Probe(ctx context.Context, conn model.Connection, cred model.Credential) error
}
