package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Client is the Gateway bound to a single browser session. It keeps the
// signed-in user for that session and notifies observers whenever it changes.
type Client struct {
	backend Backend
	logger  *zap.Logger

	mu        sync.Mutex
	current   *User
	token     string
	observers map[uint64]func(*User)
	nextID    uint64
}

// ClientOption customises Client construction.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for diagnostics.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a signed-out Client backed by backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	if backend == nil {
		panic("identity: backend is required")
	}
	c := &Client{
		backend:   backend,
		logger:    zap.NewNop(),
		observers: make(map[uint64]func(*User)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SignIn verifies the credentials with the backend. On success the returned
// user becomes the current user and observers are notified, whether or not
// the email address is verified.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	cred, err := c.backend.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.User == nil {
		return nil, NewProviderError(CodeInternalError, "provider returned no user", nil)
	}

	c.setCurrent(cred.User, cred.Token)
	return &Credential{
		User:         cred.User.Clone(),
		Token:        cred.Token,
		RefreshToken: cred.RefreshToken,
	}, nil
}

// Restore re-validates a token persisted from an earlier request. An empty or
// rejected token leaves the client signed out. Restore always notifies observers.
func (c *Client) Restore(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		c.setCurrent(nil, "")
		return nil
	}

	user, err := c.backend.Restore(ctx, token)
	if err != nil {
		c.setCurrent(nil, "")
		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.Code == CodeUserTokenExpired {
			c.logger.Debug("persisted token expired", zap.String("backend", c.backend.Name()))
			return nil
		}
		return err
	}
	c.setCurrent(user, token)
	return nil
}

// SignOut clears the current user and notifies observers.
func (c *Client) SignOut() {
	c.setCurrent(nil, "")
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (c *Client) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Token returns the provider token of the current user.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// OnAuthStateChanged implements Gateway.
func (c *Client) OnAuthStateChanged(fn func(*User)) func() {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	current := c.current.Clone()
	c.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) setCurrent(user *User, token string) {
	c.mu.Lock()
	c.current = user.Clone()
	c.token = token
	observers := make([]func(*User), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	snapshot := c.current.Clone()
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot.Clone())
	}
}
