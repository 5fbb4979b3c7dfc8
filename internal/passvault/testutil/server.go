package testutil

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"finitefield.org/passvault/internal/passvault/httpserver"
	"finitefield.org/passvault/internal/passvault/httpserver/middleware"
	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/login"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

// Accounts seeded into the default local backend.
const (
	VerifiedEmail   = "alice@example.com"
	UnverifiedEmail = "bob@example.com"
	DisabledEmail   = "carol@example.com"
	Password        = "correct-horse-battery"
)

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*httpserver.Config)

// WithBackend overrides the identity backend.
func WithBackend(backend identity.Backend) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Backend = backend
	}
}

// WithScheduler overrides the scheduler driving the post-success delay.
func WithScheduler(s login.Scheduler) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Scheduler = s
	}
}

// WithLogger routes server logs to logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Logger = logger
	}
}

// WithEnvironment sets the environment label.
func WithEnvironment(env string) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Environment = env
	}
}

// LocalUsers returns the seeded accounts, all sharing Password.
func LocalUsers(t testing.TB) []identity.LocalUser {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return []identity.LocalUser{
		{UID: "user-alice", Email: VerifiedEmail, PasswordHash: string(hash), EmailVerified: true},
		{UID: "user-bob", Email: UnverifiedEmail, PasswordHash: string(hash)},
		{UID: "user-carol", Email: DisabledEmail, PasswordHash: string(hash), EmailVerified: true, Disabled: true},
	}
}

// NewLocalBackend builds a local identity backend over LocalUsers.
func NewLocalBackend(t testing.TB, opts ...identity.LocalOption) *identity.LocalBackend {
	t.Helper()

	backend, err := identity.NewLocalBackend(LocalUsers(t), []byte("test-signing-key-0123456789abcdef"), opts...)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	return backend
}

// NewServer constructs an httptest server running the login HTTP stack with sensible defaults.
func NewServer(t testing.TB, opts ...ServerOption) *httptest.Server {
	t.Helper()

	sessions, err := appsession.NewManager(appsession.Config{
		CookieName:  "passvault_session",
		HashKey:     []byte("12345678901234567890123456789012"),
		BlockKey:    []byte("abcdefghijklmnopqrstuvwxyzABCDEF"),
		IdleTimeout: 30 * time.Minute,
		Lifetime:    12 * time.Hour,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	cfg := httpserver.Config{
		Address:     ":0",
		Environment: "test",
		Sessions:    sessions,
		CSRF: middleware.CSRFConfig{
			CookieName: "passvault_csrf",
			HeaderName: "X-CSRF-Token",
			FormField:  "csrf_token",
		},
		SuccessDelay: 10 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Backend == nil {
		cfg.Backend = NewLocalBackend(t)
	}

	srv, err := httpserver.New(cfg)
	if err != nil {
		t.Fatalf("httpserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return ts
}

// NewBrowser returns a client that keeps cookies and does not follow redirects.
func NewBrowser(t testing.TB) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}
