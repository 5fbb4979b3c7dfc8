package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	custommw "finitefield.org/passvault/internal/passvault/httpserver/middleware"
	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/login"
	"finitefield.org/passvault/internal/passvault/observability"
	appsession "finitefield.org/passvault/internal/passvault/session"
	"finitefield.org/passvault/public"
)

// Config holds runtime options for the login HTTP server.
type Config struct {
	Address     string
	Environment string
	Logger      *zap.Logger
	// TraceProjectID names the Google Cloud project in trace resource names.
	TraceProjectID string

	Backend  identity.Backend
	Sessions *appsession.Manager
	CSRF     custommw.CSRFConfig

	LoginPath          string
	HomePath           string
	ForgotPasswordPath string
	SignUpPath         string

	SuccessDelay  time.Duration
	SubmitTimeout time.Duration
	PollInterval  time.Duration
	ViewCacheSize int
	ViewTTL       time.Duration
	// Scheduler overrides the clock driving the post-success delay.
	Scheduler login.Scheduler

	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// New constructs the HTTP server with middleware stack and embedded assets.
// Live views are unmounted when the server shuts down.
func New(cfg Config) (*http.Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("httpserver: identity backend is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("httpserver: session manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	paths := resolvePaths(cfg)

	viewOpts := []login.Option{
		login.WithSuccessDelay(durationOr(cfg.SuccessDelay, time.Second)),
		login.WithHomeRoute(paths.home),
	}
	if cfg.SubmitTimeout > 0 {
		viewOpts = append(viewOpts, login.WithSubmitTimeout(cfg.SubmitTimeout))
	}
	if cfg.Scheduler != nil {
		viewOpts = append(viewOpts, login.WithScheduler(cfg.Scheduler))
	}
	views := newViewRegistry(viewRegistryConfig{
		Backend:    cfg.Backend,
		Logger:     logger.Named("login"),
		Size:       cfg.ViewCacheSize,
		TTL:        cfg.ViewTTL,
		ViewOption: viewOpts,
	})

	staticContent, err := public.StaticFS()
	if err != nil {
		return nil, fmt.Errorf("embed static: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(observability.TraceMiddleware(cfg.TraceProjectID))
	router.Use(chimw.RealIP)
	router.Use(observability.InjectLoggerMiddleware(logger))
	router.Use(observability.RequestLoggerMiddleware())
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(durationOr(cfg.RequestTimeout, 60*time.Second)))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/public/static/*", http.StripPrefix("/public/static/", http.FileServer(http.FS(staticContent))))

	handlers := &loginHandlers{
		views:        views,
		paths:        paths,
		pollInterval: durationOr(cfg.PollInterval, 500*time.Millisecond),
		refreshAfter: durationOr(cfg.SuccessDelay, time.Second),
	}

	csrfCfg := cfg.CSRF
	if csrfCfg.CookiePath == "" {
		csrfCfg.CookiePath = "/"
	}

	router.Group(func(r chi.Router) {
		r.Use(custommw.Environment(cfg.Environment))
		r.Use(custommw.HTMX())
		r.Use(custommw.NoStore())
		r.Use(custommw.Session(cfg.Sessions, custommw.WithBeforeSave(views.syncHook)))
		r.Use(custommw.CSRF(csrfCfg))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, paths.login, http.StatusFound)
		})
		r.Get(paths.login, handlers.LoginForm)
		r.Post(paths.login, handlers.LoginSubmit)
		RegisterFragment(r, paths.status, handlers.LoginStatus)
		r.Post(paths.logout, handlers.Logout)

		requireUser := custommw.RequireVerifiedUser(paths.login,
			custommw.WithTokenVerifier(cfg.Backend),
			custommw.WithOnRevoked(func(_ *http.Request, sess *appsession.Session) {
				views.Dispose(sess.ID())
			}),
		)
		r.With(requireUser).Get(paths.home, handlers.Home)
	})

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}
	srv.RegisterOnShutdown(views.Close)
	return srv, nil
}

type routePaths struct {
	login          string
	status         string
	logout         string
	home           string
	forgotPassword string
	signUp         string
}

func resolvePaths(cfg Config) routePaths {
	loginPath := normalizePath(cfg.LoginPath, "/login")
	return routePaths{
		login:          loginPath,
		status:         strings.TrimRight(loginPath, "/") + "/status",
		logout:         "/logout",
		home:           normalizePath(cfg.HomePath, login.HomeRoute),
		forgotPassword: firstNonEmpty(cfg.ForgotPasswordPath, "/ForgotPassword"),
		signUp:         firstNonEmpty(cfg.SignUpPath, "/SignUp"),
	}
}

func normalizePath(path, fallback string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

// RegisterFragment registers a GET handler intended for htmx fragment rendering.
func RegisterFragment(r chi.Router, pattern string, handler http.HandlerFunc) {
	r.With(custommw.RequireHTMX()).Get(pattern, handler)
}
