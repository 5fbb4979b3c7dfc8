package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultFallbackPath = ".secrets.local"

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret:// references through Google Secret Manager. Values
// are cached for the lifetime of the process. When Secret Manager is unreachable
// or no project is configured, values come from a local fallback file.
type Resolver struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	clientOpts   []option.ClientOption

	clientOnce sync.Once
	client     secretManagerClient
	ownsClient bool
	clientErr  error

	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string
}

// Option customises Resolver construction.
type Option func(*Resolver)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProject sets the Google Cloud project that owns the secrets.
func WithProject(projectID string) Option {
	return func(r *Resolver) {
		r.projectID = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) {
		r.fallbackPath = strings.TrimSpace(path)
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(r *Resolver) {
		r.client = client
		r.clientOnce.Do(func() {})
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Resolver) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// NewResolver builds a Resolver. The Secret Manager client is created on first use.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Close releases the Secret Manager client if the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret retrieves the value for ref, consulting the cache and fallback file as needed.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.Canonical + "#" + parsed.Version

	r.mu.RLock()
	value, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return value, nil
	}

	projectID := parsed.ProjectOverride
	if projectID == "" {
		projectID = r.projectID
	}

	if projectID != "" {
		client, clientErr := r.secretClient(ctx)
		if clientErr == nil {
			value, fetchErr := fetchRemote(ctx, client, projectID, parsed.Secret, parsed.Version)
			if fetchErr == nil {
				r.store(key, value)
				return value, nil
			}
			if !isFallbackError(fetchErr) {
				return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, fetchErr)
			}
			r.logger.Debug("secrets: falling back to local secrets", zap.String("ref", parsed.Canonical), zap.Error(fetchErr))
		}
	}

	value, ok = r.lookupFallback(parsed)
	if !ok {
		return "", fmt.Errorf("secrets: fallback value not found for %s", parsed.Canonical)
	}
	r.store(key, value)
	return value, nil
}

func (r *Resolver) secretClient(ctx context.Context) (secretManagerClient, error) {
	r.clientOnce.Do(func() {
		client, err := secretManagerClientFactory(ctx, r.clientOpts...)
		if err != nil {
			r.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
			r.clientErr = err
			return
		}
		r.client = client
		r.ownsClient = true
	})
	if r.client == nil {
		if r.clientErr == nil {
			return nil, errors.New("secrets: secret manager client not configured")
		}
		return nil, r.clientErr
	}
	return r.client, nil
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
}

func fetchRemote(ctx context.Context, client secretManagerClient, projectID, secretName, version string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resourceName)
	}
	return string(resp.Payload.GetData()), nil
}

func (r *Resolver) lookupFallback(ref parsedReference) (string, bool) {
	r.fallbackOnce.Do(r.loadFallback)
	if r.fallbackErr != nil {
		r.logger.Debug("secrets: fallback load error", zap.Error(r.fallbackErr))
		return "", false
	}
	if val, ok := r.fallbackVals[ref.Canonical+"#"+ref.Version]; ok {
		return val, true
	}
	val, ok := r.fallbackVals[ref.Canonical]
	return val, ok
}

func (r *Resolver) loadFallback() {
	r.fallbackVals = map[string]string{}
	if r.fallbackPath == "" {
		return
	}

	absPath, err := filepath.Abs(r.fallbackPath)
	if err != nil {
		absPath = r.fallbackPath
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		r.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		if parsed.Pinned {
			r.fallbackVals[parsed.Canonical+"#"+parsed.Version] = value
			continue
		}
		r.fallbackVals[parsed.Canonical] = value
	}
	if err := scanner.Err(); err != nil {
		r.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", absPath, err)
	}
}

type parsedReference struct {
	Canonical       string
	Secret          string
	Version         string
	Pinned          bool
	ProjectOverride string
}

func parseReference(ref string) (parsedReference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	values := u.Query()
	version := strings.TrimSpace(values.Get("version"))
	pinned := version != ""
	if !pinned {
		version = "latest"
	}
	return parsedReference{
		Canonical:       canonical.String(),
		Secret:          secret,
		Version:         version,
		Pinned:          pinned,
		ProjectOverride: strings.TrimSpace(values.Get("project")),
	}, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}
