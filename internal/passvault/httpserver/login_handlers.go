package httpserver

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"
	"go.uber.org/zap"

	custommw "finitefield.org/passvault/internal/passvault/httpserver/middleware"
	"finitefield.org/passvault/internal/passvault/login"
	"finitefield.org/passvault/internal/passvault/observability"
	appsession "finitefield.org/passvault/internal/passvault/session"
	"finitefield.org/passvault/internal/passvault/templates/auth"
)

const messageLoggedOut = "You have been signed out."

type loginHandlers struct {
	views        *viewRegistry
	paths        routePaths
	pollInterval time.Duration
	refreshAfter time.Duration
}

// LoginForm renders the session's live view, or follows the navigation it
// has requested.
func (h *loginHandlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	lv := h.views.Acquire(r.Context(), sess)
	if target, ok := lv.nav.Pending(); ok {
		h.follow(w, r, sess, lv, target)
		return
	}

	data := h.pageData(r, lv)
	if r.URL.Query().Get("status") == "logged_out" && lv.view.State().Phase == login.PhaseIdle && data.Error == "" {
		data.Message = messageLoggedOut
	}
	renderComponent(w, r, auth.LoginPage(data), http.StatusOK)
}

// LoginSubmit starts a sign-in. htmx requests return the panel immediately and
// poll for the result; plain form posts wait for the result and redirect back
// to the login page.
func (h *loginHandlers) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	logger := observability.FromContext(r.Context())

	input := login.Input{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}

	lv := h.views.Acquire(r.Context(), sess)
	if target, ok := lv.nav.Pending(); ok {
		h.follow(w, r, sess, lv, target)
		return
	}

	htmx := custommw.IsHTMXRequest(r.Context())
	var err error
	if htmx {
		_, err = lv.view.SubmitAsync(r.Context(), input)
	} else {
		_, err = lv.view.Submit(r.Context(), input)
	}

	switch {
	case errors.Is(err, login.ErrSubmitInFlight):
		logger.Info("sign-in already in progress", zap.String("email", observability.MaskEmail(input.Email)))
		h.renderState(w, r, lv, http.StatusConflict)
		return
	case err != nil:
		logger.Error("submit sign-in", zap.Error(err))
		h.views.Dispose(sess.ID())
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	if htmx {
		renderComponent(w, r, auth.LoginPanel(h.pageData(r, lv)), http.StatusOK)
		return
	}
	http.Redirect(w, r, h.paths.login, http.StatusSeeOther)
}

// LoginStatus is the polling fragment for an in-progress sign-in.
func (h *loginHandlers) LoginStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	lv := h.views.Acquire(r.Context(), sess)
	if target, ok := lv.nav.Pending(); ok {
		h.follow(w, r, sess, lv, target)
		return
	}
	renderComponent(w, r, auth.LoginPanel(h.pageData(r, lv)), http.StatusOK)
}

// Logout signs the session out and returns to the login page.
func (h *loginHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		if lv, ok := h.views.Peek(sess.ID()); ok {
			lv.client.SignOut()
		}
		h.views.Dispose(sess.ID())
		sess.Destroy()
	}

	custommw.Redirect(w, r, h.paths.login+"?status=logged_out")
}

// Home renders the landing page for verified users.
func (h *loginHandlers) Home(w http.ResponseWriter, r *http.Request) {
	user, _ := custommw.UserFromContext(r.Context())
	data := auth.HomePageData{
		LogoutPath:  h.paths.logout,
		CSRFToken:   custommw.CSRFTokenFromContext(r.Context()),
		Environment: custommw.EnvironmentFromContext(r.Context()),
	}
	if user != nil {
		data.Email = user.Email
	}
	renderComponent(w, r, auth.HomePage(data), http.StatusOK)
}

// follow turns a navigation requested by the view into a redirect. The view
// has served its purpose, so it is disposed and the session id rotated.
func (h *loginHandlers) follow(w http.ResponseWriter, r *http.Request, sess *appsession.Session, lv *liveView, target string) {
	syncSession(sess, lv.client)
	h.views.Dispose(sess.ID())
	sess.RenewID()
	custommw.Redirect(w, r, target)
}

func (h *loginHandlers) renderState(w http.ResponseWriter, r *http.Request, lv *liveView, status int) {
	data := h.pageData(r, lv)
	if custommw.IsHTMXRequest(r.Context()) {
		renderComponent(w, r, auth.LoginPanel(data), status)
		return
	}
	renderComponent(w, r, auth.LoginPage(data), status)
}

func (h *loginHandlers) pageData(r *http.Request, lv *liveView) auth.LoginPageData {
	state := lv.view.State()
	return auth.LoginPageData{
		Email:              lv.view.Email(),
		Error:              state.Error,
		Pending:            state.Phase == login.PhasePending,
		Success:            state.Phase == login.PhaseSuccess,
		LoginPath:          h.paths.login,
		StatusPath:         h.paths.status,
		ForgotPasswordPath: h.paths.forgotPassword,
		SignUpPath:         h.paths.signUp,
		CSRFToken:          custommw.CSRFTokenFromContext(r.Context()),
		Environment:        custommw.EnvironmentFromContext(r.Context()),
		PollEvery:          formatPollInterval(h.pollInterval),
		RefreshSeconds:     max(1, int(math.Ceil(h.refreshAfter.Seconds()))),
	}
}

func formatPollInterval(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 500
	}
	return strconv.FormatInt(ms, 10) + "ms"
}

func renderComponent(w http.ResponseWriter, r *http.Request, component templ.Component, status int) {
	templ.Handler(component, templ.WithStatus(status)).ServeHTTP(w, r)
}
