package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"finitefield.org/passvault/internal/passvault/config"
)

const (
	defaultLocalTokenTTL     = time.Hour
	defaultLocalAttemptRate  = rate.Limit(5.0 / 60.0)
	defaultLocalAttemptBurst = 5
	defaultLocalLimiterSize  = 10000
	localTokenIssuer         = "passvault-local"
)

// LocalUser is one account entry of the local users file.
type LocalUser struct {
	UID           string `yaml:"uid"`
	Email         string `yaml:"email"`
	PasswordHash  string `yaml:"password_hash"`
	EmailVerified bool   `yaml:"email_verified"`
	Disabled      bool   `yaml:"disabled"`
}

type localUsersFile struct {
	Users []LocalUser `yaml:"users"`
}

// LoadLocalUsers reads the YAML users file at path.
func LoadLocalUsers(path string) ([]LocalUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read local users file: %w", err)
	}
	var file localUsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode local users file %s: %w", path, err)
	}
	return file.Users, nil
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

type localClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// LocalBackend is a development identity provider backed by a static users list.
// It throttles repeated attempts per email and issues HS256 ID tokens.
type LocalBackend struct {
	signingKey []byte
	tokenTTL   time.Duration
	limit      rate.Limit
	burst      int
	now        func() time.Time
	compare    func(hash, password []byte) error
	path       string

	limiterSize int
	limiterMu   sync.Mutex
	limiters    *expirable.LRU[string, *rate.Limiter]

	mu      sync.RWMutex
	byEmail map[string]LocalUser
	byUID   map[string]LocalUser
}

// LocalOption customises LocalBackend instances.
type LocalOption func(*LocalBackend)

// WithLocalTokenTTL overrides the ID token lifetime.
func WithLocalTokenTTL(ttl time.Duration) LocalOption {
	return func(b *LocalBackend) {
		if ttl > 0 {
			b.tokenTTL = ttl
		}
	}
}

// WithLocalAttemptLimit allows perMinute attempts per email with the given burst.
func WithLocalAttemptLimit(perMinute float64, burst int) LocalOption {
	return func(b *LocalBackend) {
		if perMinute > 0 {
			b.limit = rate.Limit(perMinute / 60.0)
		}
		if burst > 0 {
			b.burst = burst
		}
	}
}

// WithLocalLimiterSize caps how many per-email limiters are retained.
func WithLocalLimiterSize(size int) LocalOption {
	return func(b *LocalBackend) {
		if size > 0 {
			b.limiterSize = size
		}
	}
}

// WithLocalClock overrides the clock used for token timestamps.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(b *LocalBackend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewLocalBackend builds a backend over users, signing tokens with signingKey.
func NewLocalBackend(users []LocalUser, signingKey []byte, opts ...LocalOption) (*LocalBackend, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: local token signing key is required", ErrNotConfigured)
	}
	b := &LocalBackend{
		signingKey:  append([]byte(nil), signingKey...),
		tokenTTL:    defaultLocalTokenTTL,
		limit:       defaultLocalAttemptRate,
		burst:       defaultLocalAttemptBurst,
		now:         time.Now,
		compare:     bcrypt.CompareHashAndPassword,
		limiterSize: defaultLocalLimiterSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.limiters = expirable.NewLRU[string, *rate.Limiter](b.limiterSize, nil, limiterTTL(b.limit, b.burst))
	if err := b.ReplaceUsers(users); err != nil {
		return nil, err
	}
	return b, nil
}

// NewLocalBackendFromConfig loads the users file named in cfg.
func NewLocalBackendFromConfig(cfg config.LocalConfig) (*LocalBackend, error) {
	if strings.TrimSpace(cfg.UsersFile) == "" {
		return nil, fmt.Errorf("%w: local users file is required", ErrNotConfigured)
	}
	users, err := LoadLocalUsers(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	b, err := NewLocalBackend(users, []byte(cfg.SigningKey),
		WithLocalTokenTTL(cfg.TokenTTL),
		WithLocalAttemptLimit(cfg.AttemptsPerMinute, cfg.AttemptBurst),
	)
	if err != nil {
		return nil, err
	}
	b.path = cfg.UsersFile
	return b, nil
}

// ReplaceUsers swaps the account list. Duplicate emails or uids are rejected.
func (b *LocalBackend) ReplaceUsers(users []LocalUser) error {
	byEmail := make(map[string]LocalUser, len(users))
	byUID := make(map[string]LocalUser, len(users))
	for i, user := range users {
		user.UID = strings.TrimSpace(user.UID)
		user.Email = strings.TrimSpace(user.Email)
		if user.UID == "" || user.Email == "" {
			return fmt.Errorf("local user %d: uid and email are required", i)
		}
		key := emailKey(user.Email)
		if _, exists := byEmail[key]; exists {
			return fmt.Errorf("local user %d: duplicate email %q", i, user.Email)
		}
		if _, exists := byUID[user.UID]; exists {
			return fmt.Errorf("local user %d: duplicate uid %q", i, user.UID)
		}
		byEmail[key] = user
		byUID[user.UID] = user
	}

	b.mu.Lock()
	b.byEmail = byEmail
	b.byUID = byUID
	b.mu.Unlock()
	return nil
}

// Reload re-reads the users file the backend was built from.
func (b *LocalBackend) Reload() error {
	if b.path == "" {
		return nil
	}
	users, err := LoadLocalUsers(b.path)
	if err != nil {
		return err
	}
	return b.ReplaceUsers(users)
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// SignIn implements Backend.
func (b *LocalBackend) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(CodeNetworkRequestFailed, "", err)
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, NewProviderError(CodeInvalidEmail, "", nil)
	}
	if password == "" {
		return nil, NewProviderError(CodeMissingPassword, "", nil)
	}

	key := emailKey(email)
	if !b.limiter(key).Allow() {
		return nil, NewProviderError(CodeTooManyRequests, "", nil)
	}

	b.mu.RLock()
	user, ok := b.byEmail[key]
	b.mu.RUnlock()
	if !ok {
		// Unknown emails pay the same bcrypt cost as a wrong password.
		_ = b.compare(dummyPasswordHash(), []byte(password))
		return nil, NewProviderError(CodeInvalidCredential, "", nil)
	}
	if err := b.compare([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, NewProviderError(CodeInvalidCredential, "", nil)
	}
	if user.Disabled {
		return nil, NewProviderError(CodeUserDisabled, "", nil)
	}

	token, err := b.issueToken(user)
	if err != nil {
		return nil, NewProviderError(CodeInternalError, "sign token", err)
	}
	return &Credential{
		User:  localUserView(user),
		Token: token,
	}, nil
}

// Restore implements Backend. The user record is looked up again so that
// verification and disabled flags reflect the current users list.
func (b *LocalBackend) Restore(ctx context.Context, token string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(CodeNetworkRequestFailed, "", err)
	}
	claims := &localClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.signingKey, nil
	})
	if err != nil {
		return nil, NewProviderError(CodeUserTokenExpired, "token rejected", err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(b.now()) {
		return nil, NewProviderError(CodeUserTokenExpired, "token expired", nil)
	}

	b.mu.RLock()
	user, ok := b.byUID[claims.Subject]
	b.mu.RUnlock()
	if !ok || user.Disabled {
		return nil, NewProviderError(CodeUserTokenExpired, "account no longer active", nil)
	}
	return localUserView(user), nil
}

func (b *LocalBackend) issueToken(user LocalUser) (string, error) {
	now := b.now()
	claims := localClaims{
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    localTokenIssuer,
			Subject:   user.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
}

func (b *LocalBackend) limiter(key string) *rate.Limiter {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()
	limiter, ok := b.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(b.limit, b.burst)
		b.limiters.Add(key, limiter)
	}
	return limiter
}

// limiterTTL is how long an idle limiter takes to refill its burst; after
// that a fresh limiter behaves the same.
func limiterTTL(limit rate.Limit, burst int) time.Duration {
	if limit <= 0 || burst <= 0 {
		return time.Minute
	}
	ttl := time.Duration(float64(burst) / float64(limit) * float64(time.Second))
	return max(ttl, time.Second)
}

var dummyPasswordHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("passvault-unknown-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// emailKey folds case so lookups and throttling ignore how the address was typed.
func emailKey(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func localUserView(user LocalUser) *User {
	return &User{
		UID:           user.UID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	}
}
