package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"finitefield.org/passvault/internal/passvault/observability"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

type sessionContextKey string

const requestSessionKey sessionContextKey = "passvault.session"

// SessionStore abstracts the session manager for middleware integration.
type SessionStore interface {
	Load(*http.Request) (*appsession.Session, error)
	New() *appsession.Session
	Save(http.ResponseWriter, *appsession.Session) error
	Destroy(http.ResponseWriter)
}

// SessionOption customises the Session middleware.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	beforeSave []func(*http.Request, *appsession.Session)
}

// WithBeforeSave registers fn to run right before the cookie is written.
func WithBeforeSave(fn func(*http.Request, *appsession.Session)) SessionOption {
	return func(o *sessionOptions) {
		if fn != nil {
			o.beforeSave = append(o.beforeSave, fn)
		}
	}
}

// Session attaches the decoded session to the request context and persists it
// back to the client cookie. The cookie is written just before the response
// headers go out, so changes made after the first Write are not persisted.
func Session(store SessionStore, opts ...SessionOption) func(http.Handler) http.Handler {
	if store == nil {
		panic("session store is required")
	}
	var options sessionOptions
	for _, opt := range opts {
		opt(&options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())
			sess, err := store.Load(r)
			if errors.Is(err, appsession.ErrExpired) {
				logger.Debug("session expired: resetting")
				sess = store.New()
			} else if err != nil || sess == nil {
				if err != nil {
					logger.Warn("session load failed", zap.Error(err))
				}
				sess = store.New()
			}

			ctx := context.WithValue(r.Context(), requestSessionKey, sess)
			rr := r.WithContext(ctx)

			sw := &sessionWriter{ResponseWriter: w}
			sw.save = func() {
				for _, fn := range options.beforeSave {
					fn(rr, sess)
				}
				if err := store.Save(w, sess); err != nil {
					logger.Error("session save failed", zap.Error(err))
				}
			}

			next.ServeHTTP(sw, rr)
			sw.commit()
		})
	}
}

// SessionFromContext retrieves the session attached to this request.
func SessionFromContext(ctx context.Context) (*appsession.Session, bool) {
	if ctx == nil {
		return nil, false
	}
	sess, ok := ctx.Value(requestSessionKey).(*appsession.Session)
	return sess, ok && sess != nil
}

type sessionWriter struct {
	http.ResponseWriter
	once sync.Once
	save func()
}

func (w *sessionWriter) commit() {
	w.once.Do(w.save)
}

func (w *sessionWriter) WriteHeader(status int) {
	w.commit()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Flush() {
	w.commit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
