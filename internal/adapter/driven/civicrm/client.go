package civicrm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.Backend   = (*Client)(nil)
	_ driven.Connector = (*Connector)(nil)
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// defaultHTTPClient enforces a 30-second timeout as a safety net alongside
// context cancellation.
var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// Client performs backend requests for one connection. It resolves the active
// credential on every call, encodes through the connection's protocol
// strategy and normalizes the response.
type Client struct {
	conn     model.Connection
	protocol Protocol
	resolver driven.CredentialResolver
	observer driven.SessionObserver // may be nil
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a Client for conn. observer receives the session-expired
// signal on HTTP 401 and may be nil. A nil httpClient uses a 30-second timeout client.
func NewClient(
	conn model.Connection,
	resolver driven.CredentialResolver,
	observer driven.SessionObserver,
	httpClient *http.Client,
	logger *slog.Logger,
) (*Client, error) {
	protocol, err := ProtocolFor(conn.Version)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:     conn,
		protocol: protocol,
		resolver: resolver,
		observer: observer,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// Call performs one request. It fails with driven.ErrConfigMissing when no
// credential is active. A 401 fires the session-expired signal before the
// *driven.BackendError is returned. Transport failures are returned as
// *driven.NetworkError. Call never retries.
func (c *Client) Call(ctx context.Context, req model.APIRequest) (model.APIResponse, error) {
	cred, err := c.resolver.ResolveActiveCredential(ctx)
	if err != nil {
		return model.APIResponse{}, fmt.Errorf("resolve credential: %w", err)
	}
	if cred == nil {
		return model.APIResponse{}, driven.ErrConfigMissing
	}

	baseURL := c.baseURLFor(*cred)
	if baseURL == "" {
		return model.APIResponse{}, fmt.Errorf("%w: no backend URL for %s credential", driven.ErrConfigMissing, cred.Kind)
	}

	wire, err := c.protocol.BuildRequest(c.conn, baseURL, *cred, req)
	if err != nil {
		return model.APIResponse{}, fmt.Errorf("build %s.%s request: %w", req.Entity, req.Action, err)
	}

	start := time.Now()
	status, body, err := c.do(ctx, wire)
	if err != nil {
		c.logger.Warn("backend request failed",
			"entity", req.Entity,
			"action", req.Action,
			"error", err,
		)
		return model.APIResponse{}, err
	}

	c.logger.Debug("backend request",
		"entity", req.Entity,
		"action", req.Action,
		"protocol", c.protocol.Version(),
		"credential", *cred,
		"status", status,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if status == http.StatusUnauthorized {
		if c.observer != nil {
			c.observer.SessionExpired()
		}
		return model.APIResponse{}, &driven.BackendError{Status: status, Message: errorMessage(body)}
	}
	if status < 200 || status > 299 {
		return model.APIResponse{}, &driven.BackendError{Status: status, Message: errorMessage(body)}
	}

	resp, err := ParseResponse(body)
	if err != nil {
		var be *driven.BackendError
		if errors.As(err, &be) {
			be.Status = status
			return model.APIResponse{}, be
		}
		return model.APIResponse{}, fmt.Errorf("%s.%s: %w", req.Entity, req.Action, err)
	}
	return resp, nil
}

// Probe performs the minimal read-only request used to validate credentials.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Call(ctx, model.APIRequest{
		Entity: "Contact",
		Action: model.ActionGet,
		Query:  model.Query{Select: []string{"id"}, Limit: 1},
	})
	return err
}

// baseURLFor picks the backend root for cred. API keys carry their own URL;
// OAuth sessions target their authority; magic-link tokens use the
// configured backend URL.
func (c *Client) baseURLFor(cred model.Credential) string {
	switch cred.Kind {
	case model.CredentialAPIKey:
		if cred.BaseURL != "" {
			return cred.BaseURL
		}
	case model.CredentialOAuth:
		if cred.Authority != "" {
			return cred.Authority
		}
	}
	return c.conn.BackendURL
}

func (c *Client) do(ctx context.Context, wire WireRequest) (int, []byte, error) {
	var body io.Reader
	if wire.Body != "" {
		body = strings.NewReader(wire.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, wire.Method, wire.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range wire.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &driven.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &driven.NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, raw, nil
}

// StaticResolver always resolves to one fixed credential. It backs probes
// that must not consult the credential store.
type StaticResolver struct {
	Credential model.Credential
}

// ResolveActiveCredential returns a copy of the fixed credential.
func (r StaticResolver) ResolveActiveCredential(context.Context) (*model.Credential, error) {
	cred := r.Credential
	return &cred, nil
}

// Connector creates Clients that share one resolver, observer and transport.
type Connector struct {
	resolver driven.CredentialResolver
	observer driven.SessionObserver
	http     *http.Client
	logger   *slog.Logger
}

// NewConnector creates a Connector. observer may be nil.
func NewConnector(resolver driven.CredentialResolver, observer driven.SessionObserver, httpClient *http.Client, logger *slog.Logger) *Connector {
	return &Connector{resolver: resolver, observer: observer, http: httpClient, logger: logger}
}

// Connect returns a Client for conn.
func (f *Connector) Connect(conn model.Connection) (driven.Backend, error) {
	client, err := NewClient(conn, f.resolver, f.observer, f.http, f.logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Probe validates cred against conn without touching the credential store or
// firing the session-expired signal.
func (f *Connector) Probe(ctx context.Context, conn model.Connection, cred model.Credential) error {
	client, err := NewClient(conn, StaticResolver{Credential: cred}, nil, f.http, f.logger)
	if err != nil {
		return err
	}
	return client.Probe(ctx)
}
