package application_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- backend ---

type mockBackend struct {
	mu     sync.Mutex
	calls  []model.APIRequest
	handle func(ctx context.Context, req model.APIRequest) (model.APIResponse, error)
}

func (m *mockBackend) Call(ctx context.Context, req model.APIRequest) (model.APIResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	handle := m.handle
	m.mu.Unlock()
	if handle == nil {
		return model.APIResponse{}, nil
	}
	return handle(ctx, req)
}

func (m *mockBackend) callsFor(action model.Action) []model.APIRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.APIRequest
	for _, c := range m.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// participantBackend answers Participant.get with one record per call and
// records updates.
func participantBackend(statusID int64, updateErr error) *mockBackend {
	return &mockBackend{
		handle: func(_ context.Context, req model.APIRequest) (model.APIResponse, error) {
			switch req.Action {
			case model.ActionGet:
				return model.APIResponse{Values: []model.Record{{
					"id":                      int64(1042),
					"event_id":                int64(5),
					"contact_id":              int64(77),
					"status_id":               statusID,
					"contact_id.display_name": "Ada Lovelace",
					"contact_id.email":        "ada@example.org",
				}}}, nil
			case model.ActionUpdate:
				return model.APIResponse{}, updateErr
			}
			return model.APIResponse{}, fmt.Errorf("unexpected %s.%s", req.Entity, req.Action)
		},
	}
}

// --- notifier ---

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []model.FeedbackKind
}

func (n *recordingNotifier) Notify(kind model.FeedbackKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) got() []model.FeedbackKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.FeedbackKind(nil), n.kinds...)
}

// recordingSink records scanner-addressed feedback keyed by scanner ID.
type recordingSink struct {
	mu    sync.Mutex
	kinds map[string][]model.FeedbackKind
}

func (s *recordingSink) NotifyScanner(scannerID string, kind model.FeedbackKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kinds == nil {
		s.kinds = make(map[string][]model.FeedbackKind)
	}
	s.kinds[scannerID] = append(s.kinds[scannerID], kind)
}

func (s *recordingSink) got(scannerID string) []model.FeedbackKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FeedbackKind(nil), s.kinds[scannerID]...)
}

// --- credential store ---

type memCredentialStore struct {
	mu      sync.Mutex
	creds   map[model.CredentialKind]model.Credential
	getErr  error
	cleared []model.CredentialKind
}

func newMemCredentialStore(creds ...model.Credential) *memCredentialStore {
	s := &memCredentialStore{creds: make(map[model.CredentialKind]model.Credential)}
	for _, c := range creds {
		s.creds[c.Kind] = c
	}
	return s
}

func (s *memCredentialStore) Get(_ context.Context, kind model.CredentialKind) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	c, ok := s.creds[kind]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memCredentialStore) Set(_ context.Context, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Kind] = cred
	return nil
}

func (s *memCredentialStore) Clear(_ context.Context, kind model.CredentialKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, kind)
	s.cleared = append(s.cleared, kind)
	return nil
}

func (s *memCredentialStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make(map[model.CredentialKind]model.Credential)
	return nil
}

func (s *memCredentialStore) has(kind model.CredentialKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[kind]
	return ok
}

// --- settings store ---

type memSettingsStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{values: make(map[string]string)}
}

func (s *memSettingsStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memSettingsStore) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *memSettingsStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memSettingsStore) SetMany(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

func (s *memSettingsStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *memSettingsStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}

// --- connector ---

type probeCall struct {
	Conn model.Connection
	Cred model.Credential
}

type mockConnector struct {
	mu       sync.Mutex
	probeErr error
	probes   []probeCall
	connects []model.Connection
}

func (c *mockConnector) Connect(conn model.Connection) (driven.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, conn)
	return &mockBackend{}, nil
}

func (c *mockConnector) Probe(_ context.Context, conn model.Connection, cred model.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probeCall{Conn: conn, Cred: cred})
	return c.probeErr
}
