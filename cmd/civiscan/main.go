package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // Embed zone database for scratch container

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/civiscan/internal/adapter/driven/civicrm"
	"github.com/ericfisherdev/civiscan/internal/adapter/driven/push"
	sqliteadapter "github.com/ericfisherdev/civiscan/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/civiscan/internal/adapter/driving/http"
	"github.com/ericfisherdev/civiscan/internal/application"
	"github.com/ericfisherdev/civiscan/internal/config"
	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval,
		"credential_storage", cfg.SecretKey != nil,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	// 4. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "version", version)

	// 5. Wire stores and the backend client.
	credentialStore := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
	settingsStore := sqliteadapter.NewSettingsRepo(db)

	bus := application.NewSessionBus()
	bus.Subscribe(func() { logger.Warn("backend session expired") })

	hub := push.NewHub(nil, logger)
	bus.Subscribe(hub.SessionExpired)

	resolver := application.NewAuthResolver(credentialStore, application.AuthResolverConfig{
		EvictStaleMagicLink: cfg.EvictStaleMagicLink,
	}, logger)
	connector := civicrm.NewConnector(resolver, bus, &http.Client{Timeout: cfg.HTTPTimeout}, logger)
	backend := application.NewBackendProvider(nil, model.Connection{})

	settingsSvc := application.NewSettingsService(settingsStore, credentialStore, connector, backend, cfg.DefaultSettings(), logger)
	if err := seedAPIKey(ctx, cfg, credentialStore, settingsSvc, logger); err != nil {
		return err
	}
	if err := settingsSvc.Reconnect(ctx); err != nil {
		return err
	}
	logger.Info("backend client ready",
		"backend_url", backend.Connection().BackendURL,
		"api_version", backend.Connection().Version,
	)

	// 6. Application services.
	feedback := application.FeedbackFanout{hub, application.NewLogNotifier(logger)}
	scanners := application.NewScannerRegistry(backend, feedback, application.ScanProcessorConfig{
		Debounce:       cfg.Debounce,
		AutoResetDelay: cfg.AutoResetDelay,
		Statuses:       cfg.Statuses,
	}, logger)
	defer scanners.CloseAll()

	rosters := application.NewRosterRegistry(backend, application.RosterConfig{
		PollInterval: cfg.PollInterval,
		Statuses:     cfg.Statuses,
	}, logger)
	defer rosters.CloseAll()

	// 7. HTTP API.
	apiHandler := httphandler.NewHandler(httphandler.Services{
		Settings:     settingsSvc,
		MagicLink:    application.NewMagicLinkService(credentialStore, settingsSvc, connector, nil, logger),
		Events:       application.NewEventService(backend, cfg.Location, nil, logger),
		Registration: application.NewRegistrationService(backend, cfg.Statuses, logger),
		Scanners:     scanners,
		Rosters:      rosters,
		Backend:      backend,
		Statuses:     cfg.Statuses,
		Push:         http.HandlerFunc(hub.ServeWS),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, cfg.SecureCookies, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.HTTPTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 8. Wait for shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 9. Graceful shutdown with 10s timeout for HTTP server drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// seedAPIKey stores the API key from the environment when none is stored.
// Stored credentials take priority.
func seedAPIKey(
	ctx context.Context,
	cfg *config.Config,
	creds *sqliteadapter.CredentialRepo,
	settings *application.SettingsService,
	logger *slog.Logger,
) error {
	if !cfg.HasAPIKeySeed() {
		return nil
	}
	if cfg.SecretKey == nil {
		logger.Warn("CIVISCAN_API_KEY ignored: CIVISCAN_SECRET_KEY is not set")
		return nil
	}
	stored, err := creds.Get(ctx, model.CredentialAPIKey)
	if err != nil {
		return fmt.Errorf("read stored api key: %w", err)
	}
	if stored != nil {
		return nil
	}
	if err := settings.SaveAPIKey(ctx, cfg.APIKey, cfg.BackendURL); err != nil {
		return fmt.Errorf("seed api key: %w", err)
	}
	logger.Info("api key seeded from environment")
	return nil
}
