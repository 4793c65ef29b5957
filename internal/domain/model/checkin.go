package model

// CheckInState is the visible state of a scan processor.
type CheckInState string

const (
	StateScanning        CheckInState = "scanning"
	StateProcessing      CheckInState = "processing"
	StateConfirming      CheckInState = "confirming"
	StateAlreadyAttended CheckInState = "already_attended"
	StateSuccess         CheckInState = "success"
	StateError           CheckInState = "error"
)

// Resettable reports whether reset is allowed from s. Only the outcome
// states (and Confirming, where reset acts as cancel) qualify.
func (s CheckInState) Resettable() bool {
	switch s {
	case StateConfirming, StateAlreadyAttended, StateSuccess, StateError:
		return true
	default:
		return false
	}
}

// FeedbackKind is the opaque feedback signal handed to the audio/haptic layer.
type FeedbackKind string

const (
	FeedbackSuccess FeedbackKind = "success"
	FeedbackWarning FeedbackKind = "warning"
	FeedbackError   FeedbackKind = "error"
)

// ScanSnapshot is a copy of a scan processor's state at one point in time.
type ScanSnapshot struct {
	ScannerID    string
	EventID      int64
	State        CheckInState
	Participant  *Participant
	Reason       string
	CycleID      string
	AutoValidate bool
	Feedback     FeedbackKind
}

// TokenValidation is the outcome of probing the backend with a magic-link token.
type TokenValidation string

const (
	TokenValid            TokenValidation = "success"
	TokenPermissionDenied TokenValidation = "permission_denied"
	TokenUnauthorized     TokenValidation = "unauthorized"
	TokenConnectionError  TokenValidation = "connection_error"
)
