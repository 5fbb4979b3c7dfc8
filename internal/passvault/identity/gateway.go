package identity

import (
	"context"
	"errors"
	"strings"
)

// Provider error codes. The string values follow the identity provider's
// "auth/<reason>" convention so they can be logged and compared verbatim.
const (
	CodeInvalidCredential     = "auth/invalid-credential"
	CodeTooManyRequests       = "auth/too-many-requests"
	CodeUserDisabled          = "auth/user-disabled"
	CodeInvalidEmail          = "auth/invalid-email"
	CodeMissingPassword       = "auth/missing-password"
	CodeUserTokenExpired      = "auth/user-token-expired"
	CodeNetworkRequestFailed  = "auth/network-request-failed"
	CodeInternalError         = "auth/internal-error"
	CodeOperationNotSupported = "auth/operation-not-supported"
)

// ErrNotConfigured is returned when a backend is used without the settings it needs.
var ErrNotConfigured = errors.New("identity: backend not configured")

// User is the provider's view of the signed-in account.
type User struct {
	UID           string
	Email         string
	EmailVerified bool
}

// Clone returns a copy that callers may keep without sharing state with the provider.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}

// Credential is the result of a successful password sign-in.
type Credential struct {
	User         *User
	Token        string
	RefreshToken string
}

// Gateway is the boundary to the external identity provider as seen by the login view.
type Gateway interface {
	// SignIn verifies the email/password pair with the provider.
	SignIn(ctx context.Context, email, password string) (*Credential, error)
	// OnAuthStateChanged registers fn for auth-state changes. fn is invoked once
	// immediately with the current user (nil when signed out) and again on every change.
	// The returned function removes the registration.
	OnAuthStateChanged(fn func(*User)) (unsubscribe func())
}

// Backend performs the provider-specific calls behind a Client.
type Backend interface {
	Name() string
	SignIn(ctx context.Context, email, password string) (*Credential, error)
	// Restore re-validates a token persisted from an earlier sign-in.
	Restore(ctx context.Context, token string) (*User, error)
}

// ProviderError carries the provider's error code for a failed call.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError constructs a ProviderError.
func NewProviderError(code, message string, err error) error {
	return &ProviderError{Code: code, Message: message, Err: err}
}

// ErrorCode extracts the provider code from err. Context cancellation and deadline
// errors report CodeNetworkRequestFailed; anything else unrecognised reports
// CodeInternalError. A nil error yields an empty code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Code != "" {
		return providerErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkRequestFailed
	}
	return CodeInternalError
}
