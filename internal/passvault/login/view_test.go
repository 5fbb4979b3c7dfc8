package login_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/login"
	"finitefield.org/passvault/internal/passvault/testutil"
)

type signInResult struct {
	cred *identity.Credential
	err  error
}

type fakeGateway struct {
	mu           sync.Mutex
	current      *identity.User
	observers    map[int]func(*identity.User)
	nextID       int
	subscribes   int
	unsubscribes int
	calls        int

	result  signInResult
	release chan signInResult
	started chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{observers: map[int]func(*identity.User){}}
}

func (g *fakeGateway) SignIn(ctx context.Context, email, password string) (*identity.Credential, error) {
	g.mu.Lock()
	g.calls++
	release, started, result := g.release, g.started, g.result
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case result = <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result.cred, result.err
}

func (g *fakeGateway) OnAuthStateChanged(fn func(*identity.User)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.observers[id] = fn
	g.subscribes++
	current := g.current.Clone()
	g.mu.Unlock()

	fn(current)

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.observers[id]; ok {
			delete(g.observers, id)
			g.unsubscribes++
		}
	}
}

func (g *fakeGateway) emit(user *identity.User) {
	g.mu.Lock()
	g.current = user.Clone()
	fns := make([]func(*identity.User), 0, len(g.observers))
	for _, fn := range g.observers {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(user.Clone())
	}
}

func (g *fakeGateway) counts() (subscribes, unsubscribes, calls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribes, g.unsubscribes, g.calls
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) Navigate(route string) {
	n.mu.Lock()
	n.routes = append(n.routes, route)
	n.mu.Unlock()
}

func (n *recordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

func verifiedCredential() *identity.Credential {
	return &identity.Credential{
		User:  &identity.User{UID: "uid-1", Email: "alice@example.com", EmailVerified: true},
		Token: "token",
	}
}

func newTestView(t *testing.T, gateway *fakeGateway, opts ...login.Option) (*login.View, *recordingNavigator, *testutil.ManualScheduler) {
	t.Helper()
	nav := &recordingNavigator{}
	sched := &testutil.ManualScheduler{}
	view := login.New(gateway, nav, append([]login.Option{login.WithScheduler(sched)}, opts...)...)
	t.Cleanup(view.Unmount)
	return view, nav, sched
}

func TestSubmitVerifiedUserNavigatesAfterDelay(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{cred: verifiedCredential()}
	view, nav, sched := newTestView(t, gateway)
	view.Mount()
	require.Equal(t, login.State{Phase: login.PhaseIdle}, view.State())

	state, err := view.Submit(context.Background(), login.Input{Email: " alice@example.com ", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, login.State{Phase: login.PhaseSuccess}, state)
	require.Empty(t, nav.Routes(), "navigation waits for the success delay")
	require.Equal(t, "alice@example.com", view.Email())

	require.Equal(t, []time.Duration{time.Second}, sched.Delays())

	require.Equal(t, 1, sched.Fire())
	require.Equal(t, []string{login.HomeRoute}, nav.Routes())
	require.Equal(t, login.State{Phase: login.PhaseIdle}, view.State())
}

func TestSubmitUnverifiedUserShowsMessage(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{cred: &identity.Credential{
		User: &identity.User{UID: "uid-2", Email: "bob@example.com"},
	}}
	view, nav, sched := newTestView(t, gateway)
	view.Mount()

	state, err := view.Submit(context.Background(), login.Input{Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, login.State{Phase: login.PhaseIdle, Error: login.MessageUnverified}, state)
	require.True(t, state.Failed())
	require.Empty(t, sched.Delays())
	require.Empty(t, nav.Routes())
}

func TestSubmitMapsProviderErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"invalid credential", identity.NewProviderError(identity.CodeInvalidCredential, "", nil), login.MessageInvalidLogin},
		{"too many requests", identity.NewProviderError(identity.CodeTooManyRequests, "", nil), login.MessageTooManyAttempts},
		{"unknown code", identity.NewProviderError(identity.CodeUserDisabled, "", nil), login.MessageUnknown},
		{"transport error", errors.New("connection reset"), login.MessageUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gateway := newFakeGateway()
			gateway.result = signInResult{err: tc.err}
			view, nav, _ := newTestView(t, gateway)
			view.Mount()

			state, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
			require.NoError(t, err)
			require.Equal(t, login.State{Phase: login.PhaseIdle, Error: tc.want}, state)
			require.Empty(t, nav.Routes())
		})
	}
}

func TestUnknownCodeIsLoggedWithCode(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	gateway := newFakeGateway()
	gateway.result = signInResult{err: identity.NewProviderError("auth/quota-exceeded", "", nil)}
	view, _, _ := newTestView(t, gateway, login.WithLogger(zap.New(core)))
	view.Mount()

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)

	entries := logs.FilterMessage("sign-in failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Equal(t, "auth/quota-exceeded", entries[0].ContextMap()["code"])
}

func TestResubmitAfterFailureClearsError(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{err: identity.NewProviderError(identity.CodeInvalidCredential, "", nil)}
	view, _, _ := newTestView(t, gateway)
	view.Mount()

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "wrong"})
	require.NoError(t, err)
	require.Equal(t, login.MessageInvalidLogin, view.State().Error)

	gateway.mu.Lock()
	gateway.release = make(chan signInResult)
	gateway.started = make(chan struct{}, 1)
	gateway.mu.Unlock()

	done, err := view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "right"})
	require.NoError(t, err)
	<-gateway.started
	require.Equal(t, login.State{Phase: login.PhasePending}, view.State(), "previous error cleared while pending")

	gateway.release <- signInResult{cred: verifiedCredential()}
	<-done
	require.Equal(t, login.PhaseSuccess, view.State().Phase)
}

func TestDoubleSubmitIsRejected(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.release = make(chan signInResult)
	gateway.started = make(chan struct{}, 1)
	view, _, _ := newTestView(t, gateway)
	view.Mount()

	done, err := view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	<-gateway.started

	_, err = view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.ErrorIs(t, err, login.ErrSubmitInFlight)
	_, err = view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.ErrorIs(t, err, login.ErrSubmitInFlight)

	gateway.release <- signInResult{err: identity.NewProviderError(identity.CodeInvalidCredential, "", nil)}
	<-done

	_, _, calls := gateway.counts()
	require.Equal(t, 1, calls)
}

func TestSubmitDuringSuccessDelayIsRejected(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{cred: verifiedCredential()}
	view, _, _ := newTestView(t, gateway)
	view.Mount()

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	_, err = view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.ErrorIs(t, err, login.ErrSubmitInFlight)
}

func TestSubmitRequiresMount(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	view, _, _ := newTestView(t, gateway)

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.ErrorIs(t, err, login.ErrNotMounted)
	_, err = view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.ErrorIs(t, err, login.ErrNotMounted)

	_, _, calls := gateway.counts()
	require.Zero(t, calls)
}

func TestMountWithVerifiedSessionRedirects(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.current = &identity.User{UID: "uid-1", EmailVerified: true}
	view, nav, _ := newTestView(t, gateway)

	view.Mount()
	require.Equal(t, []string{login.HomeRoute}, nav.Routes())
	require.Equal(t, login.PhaseIdle, view.State().Phase)
}

func TestPassiveRedirectOnlyForVerifiedUsers(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	view, nav, _ := newTestView(t, gateway, login.WithHomeRoute("/vault"))
	view.Mount()
	require.Empty(t, nav.Routes())

	gateway.emit(&identity.User{UID: "uid-2"})
	require.Empty(t, nav.Routes())

	gateway.emit(&identity.User{UID: "uid-2", EmailVerified: true})
	require.Equal(t, []string{"/vault"}, nav.Routes())
}

func TestPassiveRedirectWhilePending(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.release = make(chan signInResult)
	gateway.started = make(chan struct{}, 1)
	view, nav, _ := newTestView(t, gateway)
	view.Mount()

	done, err := view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	<-gateway.started

	gateway.emit(&identity.User{UID: "uid-1", EmailVerified: true})
	require.Equal(t, []string{login.HomeRoute}, nav.Routes())
	require.Equal(t, login.PhasePending, view.State().Phase)

	gateway.release <- signInResult{cred: verifiedCredential()}
	<-done
}

func TestUnmountReleasesSubscription(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	view, nav, _ := newTestView(t, gateway)

	view.Mount()
	view.Mount()
	subscribes, unsubscribes, _ := gateway.counts()
	require.Equal(t, 1, subscribes)
	require.Zero(t, unsubscribes)

	view.Unmount()
	view.Unmount()
	subscribes, unsubscribes, _ = gateway.counts()
	require.Equal(t, 1, subscribes)
	require.Equal(t, 1, unsubscribes)
	require.False(t, view.Mounted())

	gateway.emit(&identity.User{UID: "uid-1", EmailVerified: true})
	require.Empty(t, nav.Routes())
}

func TestUnmountCancelsSuccessTimer(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{cred: verifiedCredential()}
	view, nav, sched := newTestView(t, gateway)
	view.Mount()

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)

	view.Unmount()
	require.Len(t, sched.Delays(), 1)
	require.Zero(t, sched.Pending(), "unmount stops the success timer")
	require.Zero(t, sched.Fire())
	require.Empty(t, nav.Routes())
}

func TestResultAfterUnmountIsDropped(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.release = make(chan signInResult, 1)
	gateway.started = make(chan struct{}, 1)
	view, nav, sched := newTestView(t, gateway)
	view.Mount()

	done, err := view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	<-gateway.started

	view.Unmount()
	<-done

	require.Equal(t, login.State{}, view.State())
	require.Empty(t, sched.Delays())
	require.Empty(t, nav.Routes())
}

func TestRemountStartsFresh(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.result = signInResult{err: identity.NewProviderError(identity.CodeInvalidCredential, "", nil)}
	view, _, _ := newTestView(t, gateway)
	view.Mount()

	_, err := view.Submit(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	require.True(t, view.State().Failed())

	view.Unmount()
	view.Mount()
	require.Equal(t, login.State{}, view.State())

	subscribes, unsubscribes, _ := gateway.counts()
	require.Equal(t, 2, subscribes)
	require.Equal(t, 1, unsubscribes)
}

func TestSubmitAsyncHonoursTimeout(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.release = make(chan signInResult)
	view, _, _ := newTestView(t, gateway, login.WithSubmitTimeout(20*time.Millisecond))
	view.Mount()

	done, err := view.SubmitAsync(context.Background(), login.Input{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in did not time out")
	}
	require.Equal(t, login.State{Phase: login.PhaseIdle, Error: login.MessageUnknown}, view.State())
}

func TestWallClockSchedulerCanBeStopped(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	timer := login.WallClock.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	login.WallClock.AfterFunc(0, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, login.Outcome{}, login.Classify(nil))
	require.Equal(t, login.Outcome{Code: identity.CodeInvalidCredential, Message: login.MessageInvalidLogin, Known: true},
		login.Classify(identity.NewProviderError(identity.CodeInvalidCredential, "", nil)))
	require.Equal(t, login.Outcome{Code: identity.CodeNetworkRequestFailed, Message: login.MessageUnknown},
		login.Classify(context.DeadlineExceeded))
	require.Equal(t, login.Outcome{Code: identity.CodeInternalError, Message: login.MessageUnknown},
		login.Classify(errors.New("boom")))
}

func TestNewPanicsWithoutCollaborators(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { login.New(nil, login.NavigatorFunc(func(string) {})) })
	require.Panics(t, func() { login.New(newFakeGateway(), nil) })
}
