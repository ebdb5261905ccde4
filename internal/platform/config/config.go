package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultQueueTimeout = 30 * time.Second

	defaultPlayerIDMetaKey = "player_id"
	defaultGroupSize       = 3
	defaultPollSchedule    = "@every 5m"

	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Firestore  FirestoreConfig
	Queue      QueueConfig
	Webhooks   WebhookConfig
	Automation AutomationConfig
	Stream     StreamConfig
	Poll       PollConfig
	HMAC       HMACConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// QueueConfig holds credentials and endpoints for the remote job queue.
type QueueConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WebhookConfig contains inbound webhook security parameters.
type WebhookConfig struct {
	SigningSecret string
	AllowedHosts  []string
}

// AutomationConfig drives eligibility, identifier extraction, and claims.
type AutomationConfig struct {
	EnabledProducts  []string
	PlayerIDMetaKey  string
	GroupProducts    []string
	GroupSize        int
	LicenseCipherKey string
}

// StreamConfig configures the Pub/Sub event channel consumed opportunistically.
type StreamConfig struct {
	ProjectID      string
	SubscriptionID string
	EventsTopicID  string
}

// PollConfig controls the fallback poll sweep.
type PollConfig struct {
	Enabled  bool
	Schedule string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. The
// map takes precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided
// maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "AUTOMATION_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "AUTOMATION_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "AUTOMATION_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "AUTOMATION_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "AUTOMATION_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "AUTOMATION_FIRESTORE_EMULATOR_HOST", ""),
		},
		Queue: QueueConfig{
			BaseURL: stringWithDefault(lookup, "AUTOMATION_QUEUE_BASE_URL", ""),
			APIKey:  stringWithDefault(lookup, "AUTOMATION_QUEUE_API_KEY", ""),
			Timeout: durationWithDefault(lookup, "AUTOMATION_QUEUE_TIMEOUT", defaultQueueTimeout),
		},
		Webhooks: WebhookConfig{
			SigningSecret: stringWithDefault(lookup, "AUTOMATION_WEBHOOK_SIGNING_SECRET", ""),
			AllowedHosts:  csvWithDefault(lookup, "AUTOMATION_WEBHOOK_ALLOWED_HOSTS"),
		},
		Automation: AutomationConfig{
			EnabledProducts:  csvWithDefault(lookup, "AUTOMATION_ENABLED_PRODUCTS"),
			PlayerIDMetaKey:  stringWithDefault(lookup, "AUTOMATION_PLAYER_ID_META_KEY", defaultPlayerIDMetaKey),
			GroupProducts:    csvWithDefault(lookup, "AUTOMATION_GROUP_PRODUCTS"),
			GroupSize:        intWithDefault(lookup, "AUTOMATION_GROUP_SIZE", defaultGroupSize),
			LicenseCipherKey: stringWithDefault(lookup, "AUTOMATION_LICENSE_CIPHER_KEY", ""),
		},
		Stream: StreamConfig{
			ProjectID:      stringWithDefault(lookup, "AUTOMATION_STREAM_PROJECT_ID", ""),
			SubscriptionID: stringWithDefault(lookup, "AUTOMATION_STREAM_SUBSCRIPTION_ID", ""),
			EventsTopicID:  stringWithDefault(lookup, "AUTOMATION_STREAM_EVENTS_TOPIC_ID", ""),
		},
		Poll: PollConfig{
			Enabled:  boolWithDefault(lookup, "AUTOMATION_POLL_ENABLED", true),
			Schedule: stringWithDefault(lookup, "AUTOMATION_POLL_SCHEDULE", defaultPollSchedule),
		},
		HMAC: HMACConfig{
			SignatureHeader: stringWithDefault(lookup, "AUTOMATION_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
			TimestampHeader: stringWithDefault(lookup, "AUTOMATION_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
			NonceHeader:     stringWithDefault(lookup, "AUTOMATION_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
			ClockSkew:       durationWithDefault(lookup, "AUTOMATION_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			NonceTTL:        durationWithDefault(lookup, "AUTOMATION_HMAC_NONCE_TTL", defaultHMACNonceTTL),
		},
	}

	// Stream project defaults to the Firestore project when unspecified.
	if cfg.Stream.ProjectID == "" {
		cfg.Stream.ProjectID = cfg.Firestore.ProjectID
	}

	// Resolve values that reference Secret Manager.
	secretFields := []*string{
		&cfg.Queue.APIKey,
		&cfg.Webhooks.SigningSecret,
		&cfg.Automation.LicenseCipherKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Queue.BaseURL) == "" {
		missing = append(missing, "Queue.BaseURL")
	}
	if cfg.Queue.Timeout <= 0 {
		missing = append(missing, "Queue.Timeout")
	}
	if strings.TrimSpace(cfg.Automation.PlayerIDMetaKey) == "" {
		missing = append(missing, "Automation.PlayerIDMetaKey")
	}
	if cfg.Automation.GroupSize <= 0 {
		missing = append(missing, "Automation.GroupSize")
	}
	if cfg.Poll.Enabled && strings.TrimSpace(cfg.Poll.Schedule) == "" {
		missing = append(missing, "Poll.Schedule")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
		if key == "" {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
