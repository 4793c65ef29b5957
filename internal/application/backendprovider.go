package application

import (
	"context"
	"sync"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Backend = (*BackendProvider)(nil)

// BackendProvider enables runtime hot-swap of the backend client. Saving new
// connection settings replaces the client without restarting the service;
// callers holding the provider pick up the new client on their next call.
type BackendProvider struct {
	mu      sync.RWMutex
	backend driven.Backend
	conn    model.Connection
}

// NewBackendProvider creates a provider with the given initial client.
// backend may be nil if no backend URL is configured at startup.
func NewBackendProvider(backend driven.Backend, conn model.Connection) *BackendProvider {
	return &BackendProvider{backend: backend, conn: conn}
}

// Get returns the current client, or nil.
func (p *BackendProvider) Get() driven.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

// Connection returns the connection parameters of the current client.
func (p *BackendProvider) Connection() model.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// Replace swaps the current client and its connection parameters.
func (p *BackendProvider) Replace(backend driven.Backend, conn model.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend = backend
	p.conn = conn
}

// HasBackend returns true if a non-nil client is currently held.
func (p *BackendProvider) HasBackend() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend != nil
}

// Call delegates to the current client. It fails with driven.ErrConfigMissing
// when no client is configured.
func (p *BackendProvider) Call(ctx context.Context, req model.APIRequest) (model.APIResponse, error) {
	backend := p.Get()
	if backend == nil {
		return model.APIResponse{}, driven.ErrConfigMissing
	}
	return backend.Call(ctx, req)
}
