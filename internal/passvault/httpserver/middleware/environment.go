package middleware

import (
	"context"
	"net/http"
	"strings"
)

type environmentContextKey struct{}

// Environment attaches the deployment environment label to the request context
// so templates can flag non-production deployments. Empty values default to "local".
func Environment(value string) func(http.Handler) http.Handler {
	label := strings.TrimSpace(value)
	if label == "" {
		label = "local"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), environmentContextKey{}, label)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EnvironmentFromContext returns the environment label registered for the
// current request, defaulting to "local" when unavailable.
func EnvironmentFromContext(ctx context.Context) string {
	if ctx == nil {
		return "local"
	}
	if value, ok := ctx.Value(environmentContextKey{}).(string); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return "local"
}
