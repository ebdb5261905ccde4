package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	secretRefPrefix     = "secret://"
	meterName           = "github.com/rechargekit/automation/internal/platform/secrets"
)

// ErrSecretNotFound indicates the referenced secret does not exist.
var ErrSecretNotFound = errors.New("secrets: not found")

var clientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager with a
// process-local cache and an optional plain-file fallback for local
// development.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger    *zap.Logger
	projectID string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	latency        metric.Float64Histogram
	latencyEnabled bool
}

// Option customises Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFallbackPath points at a key=value file consulted when Secret Manager
// is unreachable or unconfigured.
func WithFallbackPath(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = path
	}
}

// WithClient injects a preconstructed client, primarily for tests.
func WithClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher constructs a Fetcher for the given default project.
func NewFetcher(ctx context.Context, projectID string, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		projectID:    strings.TrimSpace(projectID),
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	if f.client == nil && f.projectID != "" {
		client, err := clientFactory(ctx)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		f.client = client
		f.ownsClient = true
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	if hist, err := meter.Float64Histogram("secrets.fetch.duration", metric.WithUnit("ms")); err == nil {
		f.latency = hist
		f.latencyEnabled = true
	}

	return f, nil
}

// Close releases the underlying client if the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret implements config.SecretResolver for secret:// references.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, version, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	cacheKey := name + "@" + version
	f.mu.RLock()
	cached, ok := f.cache[cacheKey]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	value, source, err := f.fetch(ctx, name, version)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.cache[cacheKey] = value
	f.mu.Unlock()

	f.logger.Debug("secret resolved",
		zap.String("secret", name),
		zap.String("source", source),
	)
	return value, nil
}

func (f *Fetcher) fetch(ctx context.Context, name, version string) (string, string, error) {
	if f.client != nil {
		start := time.Now()
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.projectID, name, version),
		})
		f.recordLatency(ctx, name, time.Since(start), err)
		if err == nil {
			return string(resp.GetPayload().GetData()), "secret-manager", nil
		}
		if status.Code(err) == codes.NotFound {
			return "", "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		f.logger.Warn("secret manager access failed, trying fallback",
			zap.String("secret", name),
			zap.Error(err),
		)
	}

	value, ok, err := f.fallbackLookup(name)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, "fallback-file", nil
}

func (f *Fetcher) fallbackLookup(name string) (string, bool, error) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals, f.fallbackErr = loadFallbackFile(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		return "", false, f.fallbackErr
	}
	value, ok := f.fallbackVals[name]
	return value, ok, nil
}

func (f *Fetcher) recordLatency(ctx context.Context, name string, elapsed time.Duration, err error) {
	if !f.latencyEnabled {
		return
	}
	f.latency.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("secret", name),
			attribute.Bool("error", err != nil),
		),
	)
}

// parseRef splits "secret://name" or "secret://name@version" references.
func parseRef(ref string) (name, version string, err error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, secretRefPrefix) {
		return "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	rest := strings.TrimPrefix(trimmed, secretRefPrefix)
	name, version, found := strings.Cut(rest, "@")
	name = strings.Trim(strings.TrimSpace(name), "/")
	name = strings.ReplaceAll(name, "/", "-")
	if name == "" {
		return "", "", fmt.Errorf("secrets: empty secret name in %q", ref)
	}
	if !found || strings.TrimSpace(version) == "" {
		version = "latest"
	}
	return name, strings.TrimSpace(version), nil
}

func loadFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if strings.TrimSpace(path) == "" {
		return values, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: unable to read %s: %w", path, err)
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
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: failed parsing %s: %w", path, err)
	}
	return values, nil
}
