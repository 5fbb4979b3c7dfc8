package login

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/passvault/internal/passvault/identity"
)

const (
	defaultSuccessDelay  = time.Second
	defaultSubmitTimeout = 15 * time.Second
)

var (
	// ErrSubmitInFlight is returned when a submission arrives while another is pending.
	ErrSubmitInFlight = errors.New("login: sign-in already in progress")
	// ErrNotMounted is returned when the view is used outside Mount/Unmount.
	ErrNotMounted = errors.New("login: view is not mounted")
)

// View is the login screen's state machine. It signs users in through the
// gateway, watches the gateway's auth state, and navigates verified users home.
//
// Navigator calls happen outside the view's lock; both the auth-state observer
// and the success timer may navigate for the same sign-in.
type View struct {
	gateway       identity.Gateway
	navigator     Navigator
	scheduler     Scheduler
	logger        *zap.Logger
	successDelay  time.Duration
	submitTimeout time.Duration
	homeRoute     string

	mu          sync.Mutex
	state       State
	email       string
	mounted     bool
	generation  uint64
	unsubscribe func()
	timer       Timer
	cancel      context.CancelFunc
}

// Option customises View construction.
type Option func(*View)

// WithScheduler overrides the scheduler used for the post-success delay.
func WithScheduler(s Scheduler) Option {
	return func(v *View) {
		if s != nil {
			v.scheduler = s
		}
	}
}

// WithLogger sets the logger used for sign-in diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(v *View) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSuccessDelay sets how long the success banner shows before navigating.
func WithSuccessDelay(d time.Duration) Option {
	return func(v *View) {
		if d >= 0 {
			v.successDelay = d
		}
	}
}

// WithSubmitTimeout bounds SubmitAsync sign-in calls.
func WithSubmitTimeout(d time.Duration) Option {
	return func(v *View) {
		if d > 0 {
			v.submitTimeout = d
		}
	}
}

// WithHomeRoute overrides the route verified users are sent to.
func WithHomeRoute(route string) Option {
	return func(v *View) {
		if route = strings.TrimSpace(route); route != "" {
			v.homeRoute = route
		}
	}
}

// New constructs an unmounted view.
func New(gateway identity.Gateway, navigator Navigator, opts ...Option) *View {
	if gateway == nil {
		panic("login: gateway is required")
	}
	if navigator == nil {
		panic("login: navigator is required")
	}
	v := &View{
		gateway:       gateway,
		navigator:     navigator,
		scheduler:     WallClock,
		logger:        zap.NewNop(),
		successDelay:  defaultSuccessDelay,
		submitTimeout: defaultSubmitTimeout,
		homeRoute:     HomeRoute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Mount resets the view to Idle and subscribes to auth-state changes. The
// gateway emits the current user immediately, so an already verified session
// navigates during Mount. Mounting a mounted view is a no-op.
func (v *View) Mount() {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = true
	v.generation++
	gen := v.generation
	v.state = State{}
	v.mu.Unlock()

	unsubscribe := v.gateway.OnAuthStateChanged(func(user *identity.User) {
		v.onAuthState(gen, user)
	})

	v.mu.Lock()
	if v.mounted && v.generation == gen && v.unsubscribe == nil {
		v.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	v.mu.Unlock()

	// Unmounted while subscribing.
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Unmount releases the subscription, cancels the success timer and any
// in-flight sign-in. Results that arrive afterwards are dropped.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.generation++
	unsubscribe, timer, cancel := v.unsubscribe, v.timer, v.cancel
	v.unsubscribe, v.timer, v.cancel = nil, nil, nil
	v.state = State{}
	v.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Mounted reports whether the view is mounted.
func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

// State returns the current UI state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Email returns the email of the last submission, for re-rendering the form.
func (v *View) Email() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.email
}

// Submit signs in with input and blocks until the gateway answers. It returns
// the resulting state, or ErrSubmitInFlight / ErrNotMounted without touching
// the gateway.
func (v *View) Submit(ctx context.Context, input Input) (State, error) {
	ctx, gen, err := v.begin(ctx, input)
	if err != nil {
		return v.State(), err
	}
	cred, signInErr := v.gateway.SignIn(ctx, input.Email, input.Password)
	v.finish(gen, cred, signInErr)
	return v.State(), nil
}

// SubmitAsync moves the view to Pending and signs in on a background
// goroutine bounded by the submit timeout. The returned channel closes once
// the result has been applied.
func (v *View) SubmitAsync(ctx context.Context, input Input) (<-chan struct{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.submitTimeout)
	ctx, gen, err := v.begin(ctx, input)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		cred, signInErr := v.gateway.SignIn(ctx, input.Email, input.Password)
		v.finish(gen, cred, signInErr)
	}()
	return done, nil
}

func (v *View) begin(ctx context.Context, input Input) (context.Context, uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return ctx, 0, ErrNotMounted
	}
	if v.state.Busy() {
		return ctx, 0, ErrSubmitInFlight
	}

	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.email = strings.TrimSpace(input.Email)
	v.state = State{Phase: PhasePending}
	return ctx, v.generation, nil
}

func (v *View) finish(gen uint64, cred *identity.Credential, err error) {
	if !v.apply(gen, cred, err) {
		return
	}

	timer := v.scheduler.AfterFunc(v.successDelay, func() {
		v.completeSuccess(gen)
	})

	v.mu.Lock()
	if v.mounted && v.generation == gen && v.state.Phase == PhaseSuccess {
		v.timer = timer
		timer = nil
	}
	v.mu.Unlock()

	// Unmounted before the timer could be recorded.
	if timer != nil {
		timer.Stop()
	}
}

// apply records the sign-in result and reports whether it was a verified success.
func (v *View) apply(gen uint64, cred *identity.Credential, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.mounted || v.generation != gen {
		v.logger.Debug("discarding sign-in result for unmounted view")
		return false
	}
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}

	switch {
	case err != nil:
		outcome := Classify(err)
		if outcome.Known {
			v.logger.Info("sign-in rejected", zap.String("code", outcome.Code))
		} else {
			v.logger.Error("sign-in failed", zap.String("code", outcome.Code), zap.Error(err))
		}
		v.state = State{Phase: PhaseIdle, Error: outcome.Message}
		return false
	case cred == nil || cred.User == nil || !cred.User.EmailVerified:
		v.logger.Info("sign-in blocked until email is verified")
		v.state = State{Phase: PhaseIdle, Error: MessageUnverified}
		return false
	default:
		v.state = State{Phase: PhaseSuccess}
		return true
	}
}

func (v *View) completeSuccess(gen uint64) {
	v.mu.Lock()
	if !v.mounted || v.generation != gen || v.state.Phase != PhaseSuccess {
		v.mu.Unlock()
		return
	}
	v.state = State{}
	v.timer = nil
	v.mu.Unlock()

	v.navigator.Navigate(v.homeRoute)
}

func (v *View) onAuthState(gen uint64, user *identity.User) {
	if user == nil || !user.EmailVerified {
		return
	}
	v.mu.Lock()
	live := v.mounted && v.generation == gen
	v.mu.Unlock()
	if !live {
		return
	}
	v.navigator.Navigate(v.homeRoute)
}
