package httpserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"finitefield.org/passvault/internal/passvault/identity"
	"finitefield.org/passvault/internal/passvault/login"
	appsession "finitefield.org/passvault/internal/passvault/session"
)

func newTestBackend(t *testing.T) *identity.LocalBackend {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	backend, err := identity.NewLocalBackend([]identity.LocalUser{
		{UID: "u-1", Email: "alice@example.com", PasswordHash: string(hash), EmailVerified: true},
	}, []byte("signing-key"))
	require.NoError(t, err)
	return backend
}

func newTestSessions(t *testing.T) *appsession.Manager {
	t.Helper()
	mgr, err := appsession.NewManager(appsession.Config{HashKey: []byte("12345678901234567890123456789012")})
	require.NoError(t, err)
	return mgr
}

func TestViewRegistryAcquireReusesView(t *testing.T) {
	t.Parallel()

	registry := newViewRegistry(viewRegistryConfig{Backend: newTestBackend(t)})
	sess := newTestSessions(t).New()

	first := registry.Acquire(context.Background(), sess)
	second := registry.Acquire(context.Background(), sess)
	require.Same(t, first, second)
	require.True(t, first.view.Mounted())
	require.Equal(t, 1, registry.Len())

	registry.Dispose(sess.ID())
	require.False(t, first.view.Mounted(), "dispose unmounts the view")
	require.Zero(t, registry.Len())
}

func TestViewRegistryEvictionUnmounts(t *testing.T) {
	t.Parallel()

	registry := newViewRegistry(viewRegistryConfig{Backend: newTestBackend(t), Size: 1})
	sessions := newTestSessions(t)

	first := registry.Acquire(context.Background(), sessions.New())
	second := registry.Acquire(context.Background(), sessions.New())

	require.False(t, first.view.Mounted(), "evicted view must be unmounted")
	require.True(t, second.view.Mounted())

	registry.Close()
	require.False(t, second.view.Mounted())
}

func TestViewRegistryExpiryUnmounts(t *testing.T) {
	t.Parallel()

	registry := newViewRegistry(viewRegistryConfig{Backend: newTestBackend(t), TTL: 20 * time.Millisecond})
	sess := newTestSessions(t).New()
	lv := registry.Acquire(context.Background(), sess)

	require.Eventually(t, func() bool {
		_, ok := registry.Peek(sess.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)

	replacement := registry.Acquire(context.Background(), sess)
	require.NotSame(t, lv, replacement)
	require.Eventually(t, func() bool { return !lv.view.Mounted() }, time.Second, 5*time.Millisecond)
}

func TestViewRegistryRestoresPersistedSession(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	cred, err := backend.SignIn(context.Background(), "alice@example.com", "secret-pass")
	require.NoError(t, err)

	registry := newViewRegistry(viewRegistryConfig{Backend: backend})
	sess := newTestSessions(t).New()
	sess.SetProviderToken(cred.Token)

	lv := registry.Acquire(context.Background(), sess)
	target, ok := lv.nav.Pending()
	require.True(t, ok, "verified session navigates on mount")
	require.Equal(t, login.HomeRoute, target)
}

func TestViewRegistryInvalidTokenSignsOut(t *testing.T) {
	t.Parallel()

	registry := newViewRegistry(viewRegistryConfig{Backend: newTestBackend(t)})
	sess := newTestSessions(t).New()
	sess.SetUser(&appsession.User{UID: "u-1", EmailVerified: true})
	sess.SetProviderToken("not-a-token")

	lv := registry.Acquire(context.Background(), sess)
	_, ok := lv.nav.Pending()
	require.False(t, ok)

	registry.syncHook(httptest.NewRequest("GET", "/login", nil), sess)
	require.Nil(t, sess.User())
	require.Empty(t, sess.ProviderToken())
}

func TestSyncSessionCopiesClientState(t *testing.T) {
	t.Parallel()

	client := identity.NewClient(newTestBackend(t))
	_, err := client.SignIn(context.Background(), "alice@example.com", "secret-pass")
	require.NoError(t, err)

	sess := newTestSessions(t).New()
	syncSession(sess, client)
	require.Equal(t, &appsession.User{UID: "u-1", Email: "alice@example.com", EmailVerified: true}, sess.User())
	require.Equal(t, client.Token(), sess.ProviderToken())

	client.SignOut()
	syncSession(sess, client)
	require.Nil(t, sess.User())
}

func TestPendingNavigationKeepsLatest(t *testing.T) {
	t.Parallel()

	var nav pendingNavigation
	_, ok := nav.Pending()
	require.False(t, ok)

	nav.Navigate("/Home")
	nav.Navigate("/Home")
	target, ok := nav.Pending()
	require.True(t, ok)
	require.Equal(t, "/Home", target)
}

func TestFormatPollInterval(t *testing.T) {
	t.Parallel()

	require.Equal(t, "500ms", formatPollInterval(500*time.Millisecond))
	require.Equal(t, "2000ms", formatPollInterval(2*time.Second))
	require.Equal(t, "500ms", formatPollInterval(0))
}
