package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"

	"finitefield.org/passvault/internal/passvault/config"
)

const defaultFirebaseTimeout = 10 * time.Second

// PasswordVerifier checks an email/password pair and returns the issued tokens.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, email, password string) (*PasswordResult, error)
}

// PasswordResult is the provider response for a successful password check.
type PasswordResult struct {
	UID          string
	Email        string
	IDToken      string
	RefreshToken string
}

// FirebaseTokenVerifier abstracts the Firebase Admin SDK client for testability.
type FirebaseTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseBackend signs users in with Firebase Authentication email/password accounts.
type FirebaseBackend struct {
	passwords PasswordVerifier
	tokens    FirebaseTokenVerifier
	timeout   time.Duration
}

// FirebaseOption customises FirebaseBackend instances.
type FirebaseOption func(*FirebaseBackend)

// WithFirebaseTimeout overrides the timeout applied to each provider call.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(b *FirebaseBackend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewFirebaseBackend constructs a backend from its two provider dependencies.
func NewFirebaseBackend(passwords PasswordVerifier, tokens FirebaseTokenVerifier, opts ...FirebaseOption) *FirebaseBackend {
	if passwords == nil {
		panic("firebase password verifier is required")
	}
	if tokens == nil {
		panic("firebase token verifier is required")
	}
	b := &FirebaseBackend{
		passwords: passwords,
		tokens:    tokens,
		timeout:   defaultFirebaseTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// NewFirebaseBackendFromConfig wires the Identity Toolkit REST client and the
// Admin SDK token verifier for the configured project.
func NewFirebaseBackendFromConfig(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseBackend, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("%w: firebase project id is required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: firebase web api key is required", ErrNotConfigured)
	}

	var adminOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		adminOpts = append(adminOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	toolkit, err := NewIdentityToolkit(ctx, cfg.APIKey, cfg.EmulatorHost)
	if err != nil {
		return nil, err
	}

	return NewFirebaseBackend(toolkit, authClient, WithFirebaseTimeout(cfg.Timeout)), nil
}

// Name implements Backend.
func (b *FirebaseBackend) Name() string { return "firebase" }

// SignIn implements Backend.
func (b *FirebaseBackend) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	ctx, cancel := b.contextWithTimeout(ctx)
	defer cancel()

	result, err := b.passwords.VerifyPassword(ctx, email, password)
	if err != nil {
		return nil, firebaseSignInError(err)
	}
	if result == nil || result.IDToken == "" {
		return nil, NewProviderError(CodeInternalError, "firebase returned no id token", nil)
	}

	user, err := b.userFromToken(ctx, result.IDToken)
	if err != nil {
		return nil, err
	}
	if user.Email == "" {
		user.Email = result.Email
	}

	return &Credential{
		User:         user,
		Token:        result.IDToken,
		RefreshToken: result.RefreshToken,
	}, nil
}

// Restore implements Backend.
func (b *FirebaseBackend) Restore(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewProviderError(CodeUserTokenExpired, "missing token", nil)
	}
	ctx, cancel := b.contextWithTimeout(ctx)
	defer cancel()
	return b.userFromToken(ctx, token)
}

func (b *FirebaseBackend) userFromToken(ctx context.Context, idToken string) (*User, error) {
	verified, err := b.tokens.VerifyIDToken(ctx, idToken)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err), firebaseauth.IsIDTokenRevoked(err):
			return nil, NewProviderError(CodeUserTokenExpired, "id token no longer valid", err)
		default:
			return nil, NewProviderError(CodeInternalError, "id token verification failed", err)
		}
	}

	return &User{
		UID:           verified.UID,
		Email:         claimString(verified.Claims["email"]),
		EmailVerified: claimBool(verified.Claims["email_verified"]),
	}, nil
}

func (b *FirebaseBackend) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

// firebaseSignInError maps Identity Toolkit error messages onto provider codes.
func firebaseSignInError(err error) error {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(CodeNetworkRequestFailed, "", err)
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(CodeNetworkRequestFailed, "", err)
	}

	reason := firebaseReason(apiErr.Message)
	if reason == "" {
		for _, item := range apiErr.Errors {
			if reason = firebaseReason(item.Message); reason != "" {
				break
			}
		}
	}

	switch reason {
	case "INVALID_LOGIN_CREDENTIALS", "INVALID_PASSWORD", "EMAIL_NOT_FOUND":
		return NewProviderError(CodeInvalidCredential, reason, err)
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return NewProviderError(CodeTooManyRequests, reason, err)
	case "USER_DISABLED":
		return NewProviderError(CodeUserDisabled, reason, err)
	case "INVALID_EMAIL":
		return NewProviderError(CodeInvalidEmail, reason, err)
	case "MISSING_PASSWORD":
		return NewProviderError(CodeMissingPassword, reason, err)
	case "OPERATION_NOT_ALLOWED", "PASSWORD_LOGIN_DISABLED":
		return NewProviderError(CodeOperationNotSupported, reason, err)
	}
	if apiErr.Code == http.StatusTooManyRequests {
		return NewProviderError(CodeTooManyRequests, reason, err)
	}
	return NewProviderError(CodeInternalError, reason, err)
}

// firebaseReason extracts the leading reason token, e.g.
// "TOO_MANY_ATTEMPTS_TRY_LATER : Access to this account..." -> TOO_MANY_ATTEMPTS_TRY_LATER.
func firebaseReason(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return ""
	}
	if idx := strings.Index(message, ":"); idx >= 0 {
		message = message[:idx]
	}
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// IdentityToolkit verifies passwords through the Identity Toolkit relying-party API.
type IdentityToolkit struct {
	service *identitytoolkit.Service
}

// NewIdentityToolkit builds a client authenticated with the project's web API key.
// A non-empty emulatorHost routes calls to the Firebase Auth emulator.
func NewIdentityToolkit(ctx context.Context, apiKey, emulatorHost string, opts ...option.ClientOption) (*IdentityToolkit, error) {
	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if host := strings.TrimSpace(emulatorHost); host != "" {
		clientOpts = append(clientOpts, option.WithEndpoint("http://"+host+"/www.googleapis.com/identitytoolkit/v3/relyingparty/"))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := identitytoolkit.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise identity toolkit: %w", err)
	}
	return &IdentityToolkit{service: service}, nil
}

// VerifyPassword implements PasswordVerifier.
func (t *IdentityToolkit) VerifyPassword(ctx context.Context, email, password string) (*PasswordResult, error) {
	resp, err := t.service.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &PasswordResult{
		UID:          resp.LocalId,
		Email:        resp.Email,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
	}, nil
}

func claimString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case *string:
		if v == nil {
			return ""
		}
		return strings.TrimSpace(*v)
	default:
		return ""
	}
}

func claimBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case *bool:
		return v != nil && *v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}
