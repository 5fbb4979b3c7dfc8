package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultEnvironment         = "local"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultProvider            = ProviderLocal
	defaultProviderTimeout     = 10 * time.Second
	defaultLocalTokenTTL       = time.Hour
	defaultLocalAttempts       = 5.0
	defaultLocalBurst          = 5
	defaultSessionCookie       = "passvault_session"
	defaultSessionIdleTimeout  = 30 * time.Minute
	defaultSessionLifetime     = 12 * time.Hour
	defaultCSRFCookie          = "passvault_csrf"
	defaultCSRFHeader          = "X-CSRF-Token"
	defaultCSRFFormField       = "csrf_token"
	defaultSuccessDelay        = time.Second
	defaultSubmitTimeout       = 15 * time.Second
	defaultPollInterval        = 500 * time.Millisecond
	defaultViewCacheSize       = 4096
	defaultViewTTL             = 30 * time.Minute
	defaultHomePath            = "/Home"
	defaultForgotPasswordPath  = "/ForgotPassword"
	defaultSignUpPath          = "/SignUp"
	defaultLoginPath           = "/login"
	minimumSessionHashKeyBytes = 32
)

// Identity provider names accepted by PASSVAULT_IDENTITY_PROVIDER.
const (
	ProviderFirebase = "firebase"
	ProviderKratos   = "kratos"
	ProviderLocal    = "local"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Identity IdentityConfig
	Firebase FirebaseConfig
	Kratos   KratosConfig
	Local    LocalConfig
	Session  SessionConfig
	CSRF     CSRFConfig
	Login    LoginConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	Environment     string
	ProjectID       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// IdentityConfig selects the identity provider backend.
type IdentityConfig struct {
	Provider string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	APIKey          string
	CredentialsFile string
	EmulatorHost    string
	Timeout         time.Duration
}

// KratosConfig points at an Ory Kratos public API.
type KratosConfig struct {
	PublicURL string
	Timeout   time.Duration
}

// LocalConfig configures the development identity backend.
type LocalConfig struct {
	UsersFile         string
	SigningKey        string
	TokenTTL          time.Duration
	AttemptsPerMinute float64
	AttemptBurst      int
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	CookieName  string
	HashKey     string
	BlockKey    string
	IdleTimeout time.Duration
	Lifetime    time.Duration
	Secure      bool
}

// CSRFConfig controls double-submit token handling.
type CSRFConfig struct {
	CookieName string
	HeaderName string
	FormField  string
}

// LoginConfig tunes the login view and the pages around it.
type LoginConfig struct {
	Path               string
	HomePath           string
	ForgotPasswordPath string
	SignUpPath         string
	SuccessDelay       time.Duration
	SubmitTimeout      time.Duration
	PollInterval       time.Duration
	ViewCacheSize      int
	ViewTTL            time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		redacted = append(redacted, redactSecretName(name))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory,
// e.g. "Session.HashKey" or "Firebase.APIKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "PASSVAULT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			Environment:     strings.ToLower(stringWithDefault(lookup, "PASSVAULT_ENVIRONMENT", defaultEnvironment)),
			ProjectID:       stringWithDefault(lookup, "PASSVAULT_GCP_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", "")),
			ReadTimeout:     durationWithDefault(lookup, "PASSVAULT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "PASSVAULT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "PASSVAULT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout:  durationWithDefault(lookup, "PASSVAULT_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "PASSVAULT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Identity: IdentityConfig{
			Provider: strings.ToLower(stringWithDefault(lookup, "PASSVAULT_IDENTITY_PROVIDER", defaultProvider)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "PASSVAULT_FIREBASE_PROJECT_ID", ""),
			APIKey:          stringWithDefault(lookup, "PASSVAULT_FIREBASE_API_KEY", ""),
			CredentialsFile: stringWithDefault(lookup, "PASSVAULT_FIREBASE_CREDENTIALS_FILE", ""),
			EmulatorHost:    stringWithDefault(lookup, "FIREBASE_AUTH_EMULATOR_HOST", ""),
			Timeout:         durationWithDefault(lookup, "PASSVAULT_FIREBASE_TIMEOUT", defaultProviderTimeout),
		},
		Kratos: KratosConfig{
			PublicURL: stringWithDefault(lookup, "PASSVAULT_KRATOS_PUBLIC_URL", ""),
			Timeout:   durationWithDefault(lookup, "PASSVAULT_KRATOS_TIMEOUT", defaultProviderTimeout),
		},
		Local: LocalConfig{
			UsersFile:         stringWithDefault(lookup, "PASSVAULT_LOCAL_USERS_FILE", ""),
			SigningKey:        stringWithDefault(lookup, "PASSVAULT_LOCAL_SIGNING_KEY", ""),
			TokenTTL:          durationWithDefault(lookup, "PASSVAULT_LOCAL_TOKEN_TTL", defaultLocalTokenTTL),
			AttemptsPerMinute: floatWithDefault(lookup, "PASSVAULT_LOCAL_ATTEMPTS_PER_MIN", defaultLocalAttempts),
			AttemptBurst:      intWithDefault(lookup, "PASSVAULT_LOCAL_ATTEMPT_BURST", defaultLocalBurst),
		},
		Session: SessionConfig{
			CookieName:  stringWithDefault(lookup, "PASSVAULT_SESSION_COOKIE_NAME", defaultSessionCookie),
			HashKey:     stringWithDefault(lookup, "PASSVAULT_SESSION_HASH_KEY", ""),
			BlockKey:    stringWithDefault(lookup, "PASSVAULT_SESSION_BLOCK_KEY", ""),
			IdleTimeout: durationWithDefault(lookup, "PASSVAULT_SESSION_IDLE_TIMEOUT", defaultSessionIdleTimeout),
			Lifetime:    durationWithDefault(lookup, "PASSVAULT_SESSION_LIFETIME", defaultSessionLifetime),
		},
		CSRF: CSRFConfig{
			CookieName: stringWithDefault(lookup, "PASSVAULT_CSRF_COOKIE_NAME", defaultCSRFCookie),
			HeaderName: stringWithDefault(lookup, "PASSVAULT_CSRF_HEADER_NAME", defaultCSRFHeader),
			FormField:  stringWithDefault(lookup, "PASSVAULT_CSRF_FORM_FIELD", defaultCSRFFormField),
		},
		Login: LoginConfig{
			Path:               stringWithDefault(lookup, "PASSVAULT_LOGIN_PATH", defaultLoginPath),
			HomePath:           stringWithDefault(lookup, "PASSVAULT_HOME_PATH", defaultHomePath),
			ForgotPasswordPath: stringWithDefault(lookup, "PASSVAULT_FORGOT_PASSWORD_PATH", defaultForgotPasswordPath),
			SignUpPath:         stringWithDefault(lookup, "PASSVAULT_SIGNUP_PATH", defaultSignUpPath),
			SuccessDelay:       durationWithDefault(lookup, "PASSVAULT_LOGIN_SUCCESS_DELAY", defaultSuccessDelay),
			SubmitTimeout:      durationWithDefault(lookup, "PASSVAULT_LOGIN_SUBMIT_TIMEOUT", defaultSubmitTimeout),
			PollInterval:       durationWithDefault(lookup, "PASSVAULT_LOGIN_POLL_INTERVAL", defaultPollInterval),
			ViewCacheSize:      intWithDefault(lookup, "PASSVAULT_LOGIN_VIEW_CACHE_SIZE", defaultViewCacheSize),
			ViewTTL:            durationWithDefault(lookup, "PASSVAULT_LOGIN_VIEW_TTL", defaultViewTTL),
		},
	}
	if cfg.Server.ProjectID == "" {
		cfg.Server.ProjectID = cfg.Firebase.ProjectID
	}
	// Cookies default to Secure everywhere except local development.
	cfg.Session.Secure = boolWithDefault(lookup, "PASSVAULT_SESSION_SECURE", cfg.Server.Environment != defaultEnvironment)

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Firebase.APIKey", &cfg.Firebase.APIKey},
		{"Local.SigningKey", &cfg.Local.SigningKey},
		{"Session.HashKey", &cfg.Session.HashKey},
		{"Session.BlockKey", &cfg.Session.BlockKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}

	switch cfg.Identity.Provider {
	case ProviderFirebase:
		if cfg.Firebase.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
		if cfg.Firebase.APIKey == "" {
			missing = append(missing, "Firebase.APIKey")
		}
	case ProviderKratos:
		if cfg.Kratos.PublicURL == "" {
			missing = append(missing, "Kratos.PublicURL")
		}
	case ProviderLocal:
		if cfg.Local.UsersFile == "" {
			missing = append(missing, "Local.UsersFile")
		}
		if cfg.Local.SigningKey == "" {
			missing = append(missing, "Local.SigningKey")
		}
	default:
		missing = append(missing, "Identity.Provider")
	}

	if len(cfg.Session.HashKey) < minimumSessionHashKeyBytes {
		missing = append(missing, "Session.HashKey")
	}
	if n := len(cfg.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		missing = append(missing, "Session.BlockKey")
	}
	if cfg.Session.IdleTimeout <= 0 {
		missing = append(missing, "Session.IdleTimeout")
	}
	if cfg.Session.Lifetime < cfg.Session.IdleTimeout {
		missing = append(missing, "Session.Lifetime")
	}
	if !strings.HasPrefix(cfg.Login.Path, "/") {
		missing = append(missing, "Login.Path")
	}
	if !strings.HasPrefix(cfg.Login.HomePath, "/") {
		missing = append(missing, "Login.HomePath")
	}
	if cfg.Login.SuccessDelay < 0 {
		missing = append(missing, "Login.SuccessDelay")
	}
	if cfg.Login.ViewCacheSize <= 0 {
		missing = append(missing, "Login.ViewCacheSize")
	}
	if cfg.Login.ViewTTL <= 0 {
		missing = append(missing, "Login.ViewTTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
