package application

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

var (
	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrConfigLocked is returned when connection settings are changed after
	// an imported configuration locked them.
	ErrConfigLocked = errors.New("connection settings are locked by an imported configuration")

	// ErrRestPathNotFound is returned when no known APIv3 endpoint answers.
	ErrRestPathNotFound = errors.New("no CiviCRM REST endpoint found")
)

// RestPathCandidates lists the APIv3 endpoint locations of the CMS
// integrations CiviCRM ships for, in probe order.
var RestPathCandidates = []string{
	"/modules/contrib/civicrm/extern/rest.php",
	"/libraries/civicrm/extern/rest.php",
	"/sites/all/modules/civicrm/extern/rest.php",
	"/vendor/civicrm/civicrm-core/extern/rest.php",
	"/civicrm/extern/rest.php",
	"/wp-content/plugins/civicrm/civicrm/extern/rest.php",
}

// SharedConfig is the payload of a configuration share link.
type SharedConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"apiKey"`
	SiteKey    string `json:"siteKey,omitempty"`
	RestPath   string `json:"restPath,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// SettingsService owns the local configuration and keeps the backend client
// in step with it.
type SettingsService struct {
	store     driven.SettingsStore
	creds     driven.CredentialStore
	connector driven.Connector
	provider  *BackendProvider
	defaults  model.Settings
	logger    *slog.Logger
}

// NewSettingsService creates a SettingsService. defaults apply to every key
// that is not stored.
func NewSettingsService(
	store driven.SettingsStore,
	creds driven.CredentialStore,
	connector driven.Connector,
	provider *BackendProvider,
	defaults model.Settings,
	logger *slog.Logger,
) *SettingsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsService{
		store:     store,
		creds:     creds,
		connector: connector,
		provider:  provider,
		defaults:  defaults,
		logger:    logger,
	}
}

// Load returns the stored settings over the defaults. Malformed stored values
// are logged and replaced by their default.
func (s *SettingsService) Load(ctx context.Context) (model.Settings, error) {
	stored, err := s.store.All(ctx)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	out := s.defaults
	for key, raw := range stored {
		if err := applySetting(&out, key, raw); err != nil {
			s.logger.Warn("ignoring malformed setting", "key", key, "error", err)
		}
	}
	return out, nil
}

func applySetting(out *model.Settings, key, raw string) error {
	var err error
	switch key {
	case driven.SettingBackendURL:
		out.BackendURL = raw
	case driven.SettingAPIVersion:
		out.APIVersion, err = model.ParseProtocolVersion(raw)
	case driven.SettingSiteKey:
		out.SiteKey = raw
	case driven.SettingRestPath:
		out.RestPath = raw
	case driven.SettingGracePeriod:
		var minutes int
		if minutes, err = strconv.Atoi(raw); err == nil {
			out.GracePeriod = time.Duration(minutes) * time.Minute
		}
	case driven.SettingSortOrder:
		out.SortOrder = raw
	case driven.SettingShowPastEvents:
		out.ShowPastEvents, err = strconv.ParseBool(raw)
	case driven.SettingConfigLocked:
		out.ConfigLocked, err = strconv.ParseBool(raw)
	case driven.SettingAutoValidate:
		out.AutoValidate, err = strconv.ParseBool(raw)
	}
	return err
}

func settingValues(in model.Settings) map[string]string {
	return map[string]string{
		driven.SettingBackendURL:     in.BackendURL,
		driven.SettingAPIVersion:     in.APIVersion.String(),
		driven.SettingSiteKey:        in.SiteKey,
		driven.SettingRestPath:       in.RestPath,
		driven.SettingGracePeriod:    strconv.Itoa(int(in.GracePeriod / time.Minute)),
		driven.SettingSortOrder:      in.SortOrder,
		driven.SettingShowPastEvents: strconv.FormatBool(in.ShowPastEvents),
		driven.SettingConfigLocked:   strconv.FormatBool(in.ConfigLocked),
		driven.SettingAutoValidate:   strconv.FormatBool(in.AutoValidate),
	}
}

// Save validates and stores in, then reconnects the backend client. While the
// configuration is locked, connection fields cannot change; ConfigLocked
// itself is only set by ImportConfig and cleared by Logout.
func (s *SettingsService) Save(ctx context.Context, in model.Settings) (model.Settings, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return model.Settings{}, err
	}

	in.BackendURL = strings.TrimRight(strings.TrimSpace(in.BackendURL), "/")
	if err := validateSettings(in); err != nil {
		return model.Settings{}, err
	}
	if current.ConfigLocked && current.Connection() != in.Connection() {
		return model.Settings{}, ErrConfigLocked
	}
	in.ConfigLocked = current.ConfigLocked

	if err := s.store.SetMany(ctx, settingValues(in)); err != nil {
		return model.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	if err := s.Reconnect(ctx); err != nil {
		return model.Settings{}, err
	}

	s.logger.Info("settings saved", "backend_url", in.BackendURL, "api_version", in.APIVersion)
	return in, nil
}

func validateSettings(in model.Settings) error {
	if in.BackendURL != "" {
		if err := validateURL(in.BackendURL); err != nil {
			return err
		}
	}
	if in.APIVersion != model.ProtocolV3 && in.APIVersion != model.ProtocolV4 {
		return fmt.Errorf("%w: unsupported api version %d", ErrInvalidSettings, in.APIVersion)
	}
	if in.GracePeriod < 0 {
		return fmt.Errorf("%w: grace period must not be negative", ErrInvalidSettings)
	}
	switch in.SortOrder {
	case SortNameAsc, SortNameDesc, SortStatus:
	default:
		return fmt.Errorf("%w: unknown sort order %q", ErrInvalidSettings, in.SortOrder)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: backend url must be an absolute http(s) URL", ErrInvalidSettings)
	}
	return nil
}

// SetBackendURL stores only the backend URL and reconnects.
func (s *SettingsService) SetBackendURL(ctx context.Context, raw string) error {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if err := validateURL(raw); err != nil {
		return err
	}
	if err := s.store.Set(ctx, driven.SettingBackendURL, raw); err != nil {
		return fmt.Errorf("save backend url: %w", err)
	}
	return s.Reconnect(ctx)
}

// SetAutoValidate stores the default auto-validate mode for new scanners.
func (s *SettingsService) SetAutoValidate(ctx context.Context, on bool) error {
	if err := s.store.Set(ctx, driven.SettingAutoValidate, strconv.FormatBool(on)); err != nil {
		return fmt.Errorf("save auto-validate: %w", err)
	}
	return nil
}

// Reconnect rebuilds the backend client from the stored connection settings.
func (s *SettingsService) Reconnect(ctx context.Context) error {
	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	conn := current.Connection()
	backend, err := s.connector.Connect(conn)
	if err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}
	s.provider.Replace(backend, conn)
	return nil
}

// SaveAPIKey stores an API key credential for baseURL. The backend URL
// setting follows when it is unset.
func (s *SettingsService) SaveAPIKey(ctx context.Context, key, baseURL string) error {
	key = strings.TrimSpace(key)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if key == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidSettings)
	}
	if err := validateURL(baseURL); err != nil {
		return err
	}
	if err := s.creds.Set(ctx, model.APIKeyCredential(key, baseURL)); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}

	if _, ok, err := s.store.Get(ctx, driven.SettingBackendURL); err != nil {
		return fmt.Errorf("read backend url: %w", err)
	} else if !ok {
		return s.SetBackendURL(ctx, baseURL)
	}
	return nil
}

// SaveOAuth stores an OAuth session obtained by the browser.
func (s *SettingsService) SaveOAuth(ctx context.Context, accessToken string, expiry time.Time, authority string) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidSettings)
	}
	if authority != "" {
		if err := validateURL(authority); err != nil {
			return err
		}
	}
	if err := s.creds.Set(ctx, model.OAuthCredential(accessToken, expiry, strings.TrimRight(authority, "/"))); err != nil {
		return fmt.Errorf("save oauth session: %w", err)
	}
	s.logger.Info("oauth session stored", "expiry", expiry)
	return nil
}

// ClearCredential removes one credential kind, leaving the others intact.
func (s *SettingsService) ClearCredential(ctx context.Context, kind model.CredentialKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown credential kind %q", ErrInvalidSettings, kind)
	}
	if err := s.creds.Clear(ctx, kind); err != nil {
		return fmt.Errorf("clear %s credential: %w", kind, err)
	}
	s.logger.Info("credential cleared", "kind", kind)
	return nil
}

// ImportConfig applies a base64-encoded SharedConfig: connection settings and
// API key are stored and the configuration is locked.
func (s *SettingsService) ImportConfig(ctx context.Context, encoded string) (model.Settings, error) {
	cfg, err := DecodeSharedConfig(encoded)
	if err != nil {
		return model.Settings{}, err
	}

	version := model.ProtocolV3
	if cfg.APIVersion != "" {
		if version, err = model.ParseProtocolVersion(cfg.APIVersion); err != nil {
			return model.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if err := validateURL(baseURL); err != nil {
		return model.Settings{}, err
	}

	if err := s.creds.Set(ctx, model.APIKeyCredential(cfg.APIKey, baseURL)); err != nil {
		return model.Settings{}, fmt.Errorf("save imported api key: %w", err)
	}
	restPath := cfg.RestPath
	if restPath == "" {
		restPath = model.DefaultRestPath
	}
	if err := s.store.SetMany(ctx, map[string]string{
		driven.SettingBackendURL:   baseURL,
		driven.SettingAPIVersion:   version.String(),
		driven.SettingSiteKey:      cfg.SiteKey,
		driven.SettingRestPath:     restPath,
		driven.SettingConfigLocked: "true",
	}); err != nil {
		return model.Settings{}, fmt.Errorf("save imported settings: %w", err)
	}
	if err := s.Reconnect(ctx); err != nil {
		return model.Settings{}, err
	}

	s.logger.Info("configuration imported", "backend_url", baseURL, "api_version", version)
	return s.Load(ctx)
}

// DecodeSharedConfig decodes a share-link payload. Both the standard and the
// URL-safe base64 alphabets are accepted, padded or not.
func DecodeSharedConfig(encoded string) (SharedConfig, error) {
	encoded = strings.TrimSpace(encoded)

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return SharedConfig{}, fmt.Errorf("%w: config is not base64", ErrInvalidSettings)
	}

	var payload struct {
		URL        string `json:"url"`
		APIKey     string `json:"apiKey"`
		SiteKey    string `json:"siteKey"`
		RestPath   string `json:"restPath"`
		APIVersion any    `json:"apiVersion"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SharedConfig{}, fmt.Errorf("%w: config is not valid JSON", ErrInvalidSettings)
	}
	if payload.URL == "" || payload.APIKey == "" {
		return SharedConfig{}, fmt.Errorf("%w: config requires url and apiKey", ErrInvalidSettings)
	}

	cfg := SharedConfig{
		URL:      payload.URL,
		APIKey:   payload.APIKey,
		SiteKey:  payload.SiteKey,
		RestPath: payload.RestPath,
	}
	switch v := payload.APIVersion.(type) {
	case string:
		cfg.APIVersion = v
	case float64:
		cfg.APIVersion = strconv.Itoa(int(v))
	}
	return cfg, nil
}

// ExportConfig encodes the current connection settings and API key as a
// share-link payload.
func (s *SettingsService) ExportConfig(ctx context.Context) (string, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	cred, err := s.creds.Get(ctx, model.CredentialAPIKey)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	if cred == nil || cred.Key == "" {
		return "", driven.ErrConfigMissing
	}

	baseURL := current.BackendURL
	if baseURL == "" {
		baseURL = cred.BaseURL
	}
	raw, err := json.Marshal(SharedConfig{
		URL:        baseURL,
		APIKey:     cred.Key,
		SiteKey:    current.SiteKey,
		RestPath:   current.RestPath,
		APIVersion: current.APIVersion.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// CheckConnection probes baseURL with key using the stored protocol settings.
// It reports success only; failure detail is logged.
func (s *SettingsService) CheckConnection(ctx context.Context, baseURL, key string) bool {
	current, err := s.Load(ctx)
	if err != nil {
		s.logger.Warn("connection check could not load settings", "error", err)
		return false
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	conn := current.Connection()
	conn.BackendURL = baseURL

	if err := s.connector.Probe(ctx, conn, model.APIKeyCredential(key, baseURL)); err != nil {
		s.logger.Info("connection check failed", "backend_url", baseURL, "error", err)
		return false
	}
	return true
}

// DetectRestPath probes baseURL over APIv3 at each of RestPathCandidates
// and stores the first path that answers, together with siteKey. The
// connection is rebuilt afterwards.
func (s *SettingsService) DetectRestPath(ctx context.Context, baseURL, key, siteKey string) (string, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	key = strings.TrimSpace(key)
	siteKey = strings.TrimSpace(siteKey)
	if err := validateURL(baseURL); err != nil {
		return "", err
	}
	if key == "" || siteKey == "" {
		return "", fmt.Errorf("%w: api key and site key are required", ErrInvalidSettings)
	}

	current, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if current.ConfigLocked {
		return "", ErrConfigLocked
	}

	cred := model.APIKeyCredential(key, baseURL)
	for _, path := range RestPathCandidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		conn := model.Connection{
			BackendURL: baseURL,
			Version:    model.ProtocolV3,
			SiteKey:    siteKey,
			RestPath:   path,
		}
		if err := s.connector.Probe(ctx, conn, cred); err != nil {
			s.logger.Debug("rest path candidate rejected", "rest_path", path, "error", err)
			continue
		}

		if err := s.store.SetMany(ctx, map[string]string{
			driven.SettingRestPath: path,
			driven.SettingSiteKey:  siteKey,
		}); err != nil {
			return "", fmt.Errorf("save rest path: %w", err)
		}
		if err := s.Reconnect(ctx); err != nil {
			return "", err
		}
		s.logger.Info("rest path detected", "backend_url", baseURL, "rest_path", path)
		return path, nil
	}
	return "", ErrRestPathNotFound
}

// Logout clears every credential kind and all settings, then reconnects with
// the defaults.
func (s *SettingsService) Logout(ctx context.Context) error {
	if err := s.creds.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	if err := s.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}
	s.logger.Info("logged out")
	return s.Reconnect(ctx)
}
