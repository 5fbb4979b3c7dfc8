package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/observability"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

type authContextKey string

const userContextKey authContextKey = "auth.user"

const (
	// ReasonMissingUser indicates a request without a signed-in user.
	ReasonMissingUser = "missing_user"
	// ReasonUnverified indicates the signed-in user has not verified their email.
	ReasonUnverified = "email_unverified"
	// ReasonRevoked indicates the identity provider no longer accepts the session's token.
	ReasonRevoked = "token_rejected"
)

// TokenVerifier re-validates the provider token persisted in the session.
// identity.Backend satisfies it.
type TokenVerifier interface {
	Restore(ctx context.Context, token string) (*identity.User, error)
}

// AuthOption customises RequireVerifiedUser.
type AuthOption func(*authOptions)

type authOptions struct {
	verifier  TokenVerifier
	onRevoked func(*http.Request, *appsession.Session)
}

// WithTokenVerifier checks the session's provider token on every request, so
// disabled accounts and expired tokens lose access immediately.
func WithTokenVerifier(v TokenVerifier) AuthOption {
	return func(o *authOptions) {
		o.verifier = v
	}
}

// WithOnRevoked registers a callback run after a rejected token has been
// cleared from the session and before the response is written.
func WithOnRevoked(fn func(*http.Request, *appsession.Session)) AuthOption {
	return func(o *authOptions) {
		o.onRevoked = fn
	}
}

// RequireVerifiedUser lets requests through only when the session carries a
// user with a verified email. Other requests are sent to loginPath; htmx
// requests receive 401 with HX-Redirect.
func RequireVerifiedUser(loginPath string, opts ...AuthOption) func(http.Handler) http.Handler {
	if loginPath == "" {
		loginPath = "/login"
	}
	var options authOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())
			sess, hasSession := SessionFromContext(r.Context())
			var user *appsession.User
			if hasSession {
				user = sess.User()
			}

			reason := ""
			switch {
			case user == nil:
				reason = ReasonMissingUser
			case !user.EmailVerified:
				reason = ReasonUnverified
			case options.verifier != nil:
				user, reason = verifySessionUser(r, sess, options)
			}
			if reason != "" {
				logger.Debug("auth redirect", zap.String("reason", reason))
				handleUnauthorized(w, r, loginPath)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifySessionUser restores the session's token with the provider and
// refreshes the stored user. A rejected token signs the session out.
func verifySessionUser(r *http.Request, sess *appsession.Session, options authOptions) (*appsession.User, string) {
	var (
		restored *identity.User
		err      error
	)
	if token := sess.ProviderToken(); token != "" {
		restored, err = options.verifier.Restore(r.Context(), token)
	}
	if err != nil || restored == nil {
		observability.FromContext(r.Context()).Info("provider rejected session token",
			zap.String("code", identity.ErrorCode(err)),
		)
		sess.SetUser(nil)
		sess.SetProviderToken("")
		if options.onRevoked != nil {
			options.onRevoked(r, sess)
		}
		return nil, ReasonRevoked
	}

	sess.SetUser(&appsession.User{
		UID:           restored.UID,
		Email:         restored.Email,
		EmailVerified: restored.EmailVerified,
	})
	if !restored.EmailVerified {
		return nil, ReasonUnverified
	}
	return sess.User(), ""
}

// UserFromContext retrieves the authenticated user if present.
func UserFromContext(ctx context.Context) (*appsession.User, bool) {
	user, ok := ctx.Value(userContextKey).(*appsession.User)
	return user, ok && user != nil
}

func handleUnauthorized(w http.ResponseWriter, r *http.Request, loginPath string) {
	if IsHTMXRequest(r.Context()) {
		w.Header().Set("HX-Redirect", loginPath)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, loginPath, http.StatusFound)
}
