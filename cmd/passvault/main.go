package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"finitefield.org/passvault/internal/passvault/config"
	"finitefield.org/passvault/internal/passvault/httpserver"
	custommw "finitefield.org/passvault/internal/passvault/httpserver/middleware"
	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/observability"
	"finitefield.org/passvault/internal/passvault/secrets"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("passvault")
	ctx = observability.WithLogger(ctx, logger)

	resolver := newSecretResolver(logger)
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets("Session.HashKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise identity backend",
			zap.String("provider", cfg.Identity.Provider),
			zap.Error(err),
		)
	}

	sessions, err := appsession.NewManager(appsession.Config{
		CookieName:   cfg.Session.CookieName,
		HashKey:      []byte(cfg.Session.HashKey),
		BlockKey:     []byte(cfg.Session.BlockKey),
		CookieSecure: cfg.Session.Secure,
		IdleTimeout:  cfg.Session.IdleTimeout,
		Lifetime:     cfg.Session.Lifetime,
	})
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	server, err := httpserver.New(httpserver.Config{
		Address:        net.JoinHostPort("", cfg.Server.Port),
		Environment:    cfg.Server.Environment,
		Logger:         logger,
		TraceProjectID: cfg.Server.ProjectID,
		Backend:        backend,
		Sessions:       sessions,
		CSRF: custommw.CSRFConfig{
			CookieName: cfg.CSRF.CookieName,
			HeaderName: cfg.CSRF.HeaderName,
			FormField:  cfg.CSRF.FormField,
			Secure:     cfg.Session.Secure,
		},
		LoginPath:          cfg.Login.Path,
		HomePath:           cfg.Login.HomePath,
		ForgotPasswordPath: cfg.Login.ForgotPasswordPath,
		SignUpPath:         cfg.Login.SignUpPath,
		SuccessDelay:       cfg.Login.SuccessDelay,
		SubmitTimeout:      cfg.Login.SubmitTimeout,
		PollInterval:       cfg.Login.PollInterval,
		ViewCacheSize:      cfg.Login.ViewCacheSize,
		ViewTTL:            cfg.Login.ViewTTL,
		RequestTimeout:     cfg.Server.RequestTimeout,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
	})
	if err != nil {
		logger.Fatal("failed to build http server", zap.Error(err))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	serverLogger := logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("provider", backend.Name()),
		zap.String("environment", cfg.Server.Environment),
	)
	go func() {
		serverLogger.Info("passvault listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	for sig := range signals {
		if sig == syscall.SIGHUP {
			reloadUsers(logger, backend)
			continue
		}
		break
	}
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretResolver(logger *zap.Logger) *secrets.Resolver {
	project := strings.TrimSpace(os.Getenv("PASSVAULT_SECRET_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("PASSVAULT_GCP_PROJECT_ID"))
	}
	if project == "" {
		project = strings.TrimSpace(os.Getenv("PASSVAULT_FIREBASE_PROJECT_ID"))
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := strings.TrimSpace(os.Getenv("PASSVAULT_SECRET_FALLBACK_FILE")); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewResolver(opts...)
}

func newBackend(ctx context.Context, cfg config.Config) (identity.Backend, error) {
	switch cfg.Identity.Provider {
	case config.ProviderFirebase:
		return identity.NewFirebaseBackendFromConfig(ctx, cfg.Firebase)
	case config.ProviderKratos:
		return identity.NewKratosBackendFromConfig(cfg.Kratos)
	case config.ProviderLocal:
		return identity.NewLocalBackendFromConfig(cfg.Local)
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Identity.Provider)
	}
}

type reloader interface {
	Reload() error
}

func reloadUsers(logger *zap.Logger, backend identity.Backend) {
	r, ok := backend.(reloader)
	if !ok {
		logger.Info("SIGHUP ignored; backend has nothing to reload", zap.String("provider", backend.Name()))
		return
	}
	if err := r.Reload(); err != nil {
		logger.Error("reloading users failed", zap.Error(err))
		return
	}
	logger.Info("users reloaded", zap.String("provider", backend.Name()))
}
