package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// MagicLinkService validates and stores magic-link tokens handed over by the
// bootstrap URL.
type MagicLinkService struct {
	creds     driven.CredentialStore
	settings  *SettingsService
	connector driven.Connector
	now       func() time.Time
	logger    *slog.Logger
}

// NewMagicLinkService creates a MagicLinkService. A nil now uses time.Now.
func NewMagicLinkService(
	creds driven.CredentialStore,
	settings *SettingsService,
	connector driven.Connector,
	now func() time.Time,
	logger *slog.Logger,
) *MagicLinkService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MagicLinkService{creds: creds, settings: settings, connector: connector, now: now, logger: logger}
}

// ValidateToken probes the backend with token before it is trusted. baseURL
// overrides the stored backend URL when non-empty. A malformed token returns
// an error wrapping driven.ErrTokenInvalid; every other outcome is reported
// as a model.TokenValidation.
func (s *MagicLinkService) ValidateToken(ctx context.Context, token, baseURL string) (model.TokenValidation, error) {
	token = strings.TrimSpace(token)
	exp, err := MagicLinkExpiry(token)
	if err != nil {
		return "", err
	}

	conn, err := s.connection(ctx, baseURL)
	if err != nil {
		return "", err
	}

	if exp != 0 && !s.now().Before(time.Unix(exp, 0)) {
		return model.TokenUnauthorized, nil
	}

	err = s.connector.Probe(ctx, conn, model.MagicLinkCredential(token, exp))
	result := classifyProbe(err)
	s.logger.Info("magic-link token validated", "result", result, "backend_url", conn.BackendURL)
	if result == model.TokenConnectionError {
		s.logger.Warn("magic-link probe failed", "error", err)
	}
	return result, nil
}

// Bootstrap validates token and, on success, stores it together with baseURL
// when one is given.
func (s *MagicLinkService) Bootstrap(ctx context.Context, token, baseURL string) (model.TokenValidation, error) {
	result, err := s.ValidateToken(ctx, token, baseURL)
	if err != nil || result != model.TokenValid {
		return result, err
	}

	token = strings.TrimSpace(token)
	exp, _ := MagicLinkExpiry(token)
	if err := s.creds.Set(ctx, model.MagicLinkCredential(token, exp)); err != nil {
		return "", fmt.Errorf("store magic-link token: %w", err)
	}
	if strings.TrimSpace(baseURL) != "" {
		if err := s.settings.SetBackendURL(ctx, baseURL); err != nil {
			return "", err
		}
	}
	return result, nil
}

func (s *MagicLinkService) connection(ctx context.Context, baseURL string) (model.Connection, error) {
	current, err := s.settings.Load(ctx)
	if err != nil {
		return model.Connection{}, err
	}
	conn := current.Connection()
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		if err := validateURL(baseURL); err != nil {
			return model.Connection{}, err
		}
		conn.BackendURL = baseURL
	}
	if conn.BackendURL == "" {
		return model.Connection{}, fmt.Errorf("%w: no backend URL for magic-link validation", driven.ErrConfigMissing)
	}
	return conn, nil
}

func classifyProbe(err error) model.TokenValidation {
	if err == nil {
		return model.TokenValid
	}
	var be *driven.BackendError
	if errors.As(err, &be) {
		switch be.Status {
		case http.StatusForbidden:
			return model.TokenPermissionDenied
		case http.StatusUnauthorized:
			return model.TokenUnauthorized
		}
	}
	return model.TokenConnectionError
}
