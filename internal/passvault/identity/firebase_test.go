package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type stubPasswords struct {
	result *PasswordResult
	err    error
}

func (s *stubPasswords) VerifyPassword(context.Context, string, string) (*PasswordResult, error) {
	return s.result, s.err
}

type stubTokens struct {
	tokens map[string]*firebaseauth.Token
	err    error
}

func (s *stubTokens) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	token, ok := s.tokens[idToken]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return token, nil
}

func TestFirebaseSignInReadsVerificationFromToken(t *testing.T) {
	t.Parallel()

	backend := NewFirebaseBackend(
		&stubPasswords{result: &PasswordResult{UID: "uid-1", Email: "alice@example.com", IDToken: "id-token", RefreshToken: "refresh"}},
		&stubTokens{tokens: map[string]*firebaseauth.Token{
			"id-token": {UID: "uid-1", Claims: map[string]interface{}{"email_verified": true}},
		}},
	)

	cred, err := backend.SignIn(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, &User{UID: "uid-1", Email: "alice@example.com", EmailVerified: true}, cred.User)
	require.Equal(t, "id-token", cred.Token)
	require.Equal(t, "refresh", cred.RefreshToken)
}

func TestFirebaseSignInErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code string
	}{
		{name: "invalid login", err: &googleapi.Error{Code: 400, Message: "INVALID_LOGIN_CREDENTIALS"}, code: CodeInvalidCredential},
		{name: "invalid password", err: &googleapi.Error{Code: 400, Message: "INVALID_PASSWORD"}, code: CodeInvalidCredential},
		{name: "unknown email", err: &googleapi.Error{Code: 400, Message: "EMAIL_NOT_FOUND"}, code: CodeInvalidCredential},
		{name: "throttled", err: &googleapi.Error{Code: 400, Message: "TOO_MANY_ATTEMPTS_TRY_LATER : Access to this account has been temporarily disabled"}, code: CodeTooManyRequests},
		{name: "throttled by status", err: &googleapi.Error{Code: 429}, code: CodeTooManyRequests},
		{name: "disabled", err: &googleapi.Error{Code: 400, Message: "USER_DISABLED"}, code: CodeUserDisabled},
		{name: "invalid email", err: &googleapi.Error{Code: 400, Message: "INVALID_EMAIL"}, code: CodeInvalidEmail},
		{name: "missing password", err: &googleapi.Error{Code: 400, Message: "MISSING_PASSWORD"}, code: CodeMissingPassword},
		{name: "reason in details", err: &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Message: "EMAIL_NOT_FOUND"}}}, code: CodeInvalidCredential},
		{name: "password sign-in disabled", err: &googleapi.Error{Code: 400, Message: "PASSWORD_LOGIN_DISABLED"}, code: CodeOperationNotSupported},
		{name: "unexpected", err: &googleapi.Error{Code: 500, Message: "BACKEND_ERROR"}, code: CodeInternalError},
		{name: "transport", err: errors.New("connection refused"), code: CodeNetworkRequestFailed},
		{name: "deadline", err: context.DeadlineExceeded, code: CodeNetworkRequestFailed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			backend := NewFirebaseBackend(&stubPasswords{err: tc.err}, &stubTokens{})
			_, err := backend.SignIn(context.Background(), "alice@example.com", "pw")
			require.Equal(t, tc.code, ErrorCode(err))
		})
	}
}

func TestFirebaseSignInTokenVerificationFailure(t *testing.T) {
	t.Parallel()

	backend := NewFirebaseBackend(
		&stubPasswords{result: &PasswordResult{UID: "uid-1", IDToken: "id-token"}},
		&stubTokens{err: errors.New("bad signature")},
	)
	_, err := backend.SignIn(context.Background(), "alice@example.com", "pw")
	require.Equal(t, CodeInternalError, ErrorCode(err))

	backend = NewFirebaseBackend(&stubPasswords{result: &PasswordResult{}}, &stubTokens{})
	_, err = backend.SignIn(context.Background(), "alice@example.com", "pw")
	require.Equal(t, CodeInternalError, ErrorCode(err))
}

func TestFirebaseRestore(t *testing.T) {
	t.Parallel()

	backend := NewFirebaseBackend(&stubPasswords{}, &stubTokens{tokens: map[string]*firebaseauth.Token{
		"id-token": {UID: "uid-1", Claims: map[string]interface{}{"email": "alice@example.com", "email_verified": "true"}},
	}})

	user, err := backend.Restore(context.Background(), "id-token")
	require.NoError(t, err)
	require.Equal(t, &User{UID: "uid-1", Email: "alice@example.com", EmailVerified: true}, user)

	_, err = backend.Restore(context.Background(), " ")
	require.Equal(t, CodeUserTokenExpired, ErrorCode(err))
}

func TestIdentityToolkitVerifyPassword(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verifyPassword", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		if body["password"] != "pw" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 400, "message": "INVALID_LOGIN_CREDENTIALS"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "uid-1",
			"email":        body["email"],
			"idToken":      "id-token",
			"refreshToken": "refresh",
		})
	}))
	t.Cleanup(srv.Close)

	toolkit, err := NewIdentityToolkit(context.Background(), "api-key", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	result, err := toolkit.VerifyPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, &PasswordResult{UID: "uid-1", Email: "alice@example.com", IDToken: "id-token", RefreshToken: "refresh"}, result)

	_, err = toolkit.VerifyPassword(context.Background(), "alice@example.com", "wrong")
	require.Equal(t, CodeInvalidCredential, ErrorCode(firebaseSignInError(err)))
}

func TestFirebaseReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, "TOO_MANY_ATTEMPTS_TRY_LATER", firebaseReason(" TOO_MANY_ATTEMPTS_TRY_LATER : Access disabled"))
	require.Equal(t, "INVALID_PASSWORD", firebaseReason("invalid_password"))
	require.Empty(t, firebaseReason(""))
}
