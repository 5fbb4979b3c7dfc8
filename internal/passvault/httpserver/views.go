package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/login"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

const (
	defaultViewCacheSize = 4096
	defaultViewTTL       = 30 * time.Minute
)

// liveView is the mounted login view of one browser session together with
// the identity client it observes.
type liveView struct {
	view   *login.View
	client *identity.Client
	nav    *pendingNavigation
}

// pendingNavigation records the route the view asked to move to until the
// next request for the session turns it into a redirect.
type pendingNavigation struct {
	mu     sync.Mutex
	target string
}

// Navigate implements login.Navigator. Repeated calls keep the latest route.
func (p *pendingNavigation) Navigate(route string) {
	p.mu.Lock()
	p.target = route
	p.mu.Unlock()
}

// Pending returns the route waiting to be followed, if any.
func (p *pendingNavigation) Pending() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target, p.target != ""
}

type viewRegistryConfig struct {
	Backend    identity.Backend
	Logger     *zap.Logger
	Size       int
	TTL        time.Duration
	ViewOption []login.Option
}

// viewRegistry holds one live view per session id. Views that expire or are
// evicted are unmounted, which cancels their timers and subscriptions.
type viewRegistry struct {
	backend identity.Backend
	logger  *zap.Logger
	opts    []login.Option
	cache   *expirable.LRU[string, *liveView]

	mu sync.Mutex
}

func newViewRegistry(cfg viewRegistryConfig) *viewRegistry {
	if cfg.Backend == nil {
		panic("httpserver: identity backend is required")
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultViewCacheSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultViewTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &viewRegistry{
		backend: cfg.Backend,
		logger:  logger,
		opts:    cfg.ViewOption,
	}
	r.cache = expirable.NewLRU[string, *liveView](size, func(_ string, lv *liveView) {
		lv.view.Unmount()
	}, ttl)
	return r
}

// Acquire returns the mounted view for sess, creating it on first use. A new
// view's client is restored from the provider token stored in the session,
// so a verified session navigates during Mount.
func (r *viewRegistry) Acquire(ctx context.Context, sess *appsession.Session) *liveView {
	id := sess.ID()
	if lv, ok := r.cache.Get(id); ok {
		return lv
	}

	client := identity.NewClient(r.backend, identity.WithClientLogger(r.logger))
	if err := client.Restore(ctx, sess.ProviderToken()); err != nil {
		r.logger.Warn("restore identity session failed",
			zap.String("backend", r.backend.Name()),
			zap.String("code", identity.ErrorCode(err)),
			zap.Error(err),
		)
	}

	nav := &pendingNavigation{}
	opts := append([]login.Option{login.WithLogger(r.logger)}, r.opts...)
	lv := &liveView{
		view:   login.New(client, nav, opts...),
		client: client,
		nav:    nav,
	}

	r.mu.Lock()
	if existing, ok := r.cache.Get(id); ok {
		r.mu.Unlock()
		return existing
	}
	// Drop an expired entry so its view is unmounted before being replaced.
	r.cache.Remove(id)
	lv.view.Mount()
	r.cache.Add(id, lv)
	r.mu.Unlock()
	return lv
}

// Peek returns the live view for a session id without creating one.
func (r *viewRegistry) Peek(id string) (*liveView, bool) {
	return r.cache.Peek(id)
}

// Dispose unmounts and forgets the view for a session id.
func (r *viewRegistry) Dispose(id string) {
	r.cache.Remove(id)
}

// Len reports the number of live views.
func (r *viewRegistry) Len() int {
	return r.cache.Len()
}

// Close unmounts every live view.
func (r *viewRegistry) Close() {
	r.cache.Purge()
}

// syncHook persists the live view's identity state whenever the session
// cookie is written.
func (r *viewRegistry) syncHook(_ *http.Request, sess *appsession.Session) {
	if sess == nil || sess.Destroyed() {
		return
	}
	if lv, ok := r.Peek(sess.ID()); ok {
		syncSession(sess, lv.client)
	}
}

// syncSession copies the identity client's signed-in user and token into the
// browser session so later requests can restore it.
func syncSession(sess *appsession.Session, client *identity.Client) {
	user := client.CurrentUser()
	if user == nil {
		sess.SetUser(nil)
		sess.SetProviderToken("")
		return
	}
	sess.SetUser(&appsession.User{
		UID:           user.UID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	})
	sess.SetProviderToken(client.Token())
}
