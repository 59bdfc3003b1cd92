package keybridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default tunables
const (
	DefaultCacheDuration    = 30 * time.Minute
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 1000 * time.Millisecond
	DefaultSignatureTimeout = 30000 * time.Millisecond
	DefaultStoreTimeout     = 10 * time.Second
	DefaultAuthRetries      = 2
	DefaultAuthRetryDelay   = 500 * time.Millisecond
	DefaultCacheSize        = 1024
	DefaultMessageTemplate  = "keybridge authentication for %s"
	DefaultSessionTTL       = time.Hour
)

// Config holds broker-wide settings. Values come from an optional YAML file,
// then KEYBRIDGE_* environment variables, then EnsureDefaults.
type Config struct {
	AppName string `yaml:"app_name" env:"APP_NAME"`

	// LogLevel is passed to logger.InitLogger
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// SignatureCache
	CacheDuration time.Duration `yaml:"cache_duration" env:"CACHE_DURATION"`
	CacheSize     int           `yaml:"cache_size" env:"CACHE_SIZE"`

	// Connector
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay       time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	SignatureTimeout time.Duration `yaml:"signature_timeout" env:"SIGNATURE_TIMEOUT"`

	// MessageTemplate is formatted with the lowercase identifier to build the
	// message signed for credential derivation. It must stay fixed for a
	// deployment or every derived identity changes.
	MessageTemplate string `yaml:"message_template" env:"MESSAGE_TEMPLATE"`

	// IdentityBinder
	StoreTimeout   time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	AuthRetries    int           `yaml:"auth_retries" env:"AUTH_RETRIES"`
	AuthRetryDelay time.Duration `yaml:"auth_retry_delay" env:"AUTH_RETRY_DELAY"`

	// Login rate limiting per identifier. Zero disables it.
	LoginRatePerSecond float64 `yaml:"login_rate_per_second" env:"LOGIN_RATE_PER_SECOND"`
	LoginBurst         int     `yaml:"login_burst" env:"LOGIN_BURST"`

	// Session tokens
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`

	// Server settings used by cmd/keybridge
	ListenAddr   string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	StoreBackend string `yaml:"store_backend" env:"STORE_BACKEND"` // memory, fs, sqlite, datastore
	StoragePath  string `yaml:"storage_path" env:"STORAGE_PATH"`

	// Cloud Datastore backend
	DatastoreProject   string `yaml:"datastore_project" env:"DATASTORE_PROJECT"`
	DatastoreNamespace string `yaml:"datastore_namespace" env:"DATASTORE_NAMESPACE"`

	// OAuth
	OAuthSigningSecret string `yaml:"oauth_signing_secret" env:"OAUTH_SIGNING_SECRET"`
	OAuthCallbackBase  string `yaml:"oauth_callback_base" env:"OAUTH_CALLBACK_BASE"`
	GoogleClientID     string `yaml:"google_client_id" env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `yaml:"google_client_secret" env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string `yaml:"github_client_id" env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `yaml:"github_client_secret" env:"GITHUB_CLIENT_SECRET"`

	// Wallet / relay signers for the daemon
	WalletRPCURL string `yaml:"wallet_rpc_url" env:"WALLET_RPC_URL"`
	WalletKeyHex string `yaml:"-" env:"WALLET_KEY"`
	RelayKeyHex  string `yaml:"-" env:"RELAY_KEY"`
}

// EnvPrefix is prepended to every Config env var name.
const EnvPrefix = "KEYBRIDGE_"

// LoadConfig reads the YAML file at path (skipped when empty) and overlays the
// environment on top of it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg.EnsureDefaults(), nil
}

// EnsureDefaults fills zero values with defaults and returns the config.
func (c *Config) EnsureDefaults() *Config {
	if c.AppName == "" {
		c.AppName = "KeyBridge"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = DefaultCacheDuration
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SignatureTimeout <= 0 {
		c.SignatureTimeout = DefaultSignatureTimeout
	}
	if c.MessageTemplate == "" || !strings.Contains(c.MessageTemplate, "%s") {
		c.MessageTemplate = DefaultMessageTemplate
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = DefaultAuthRetries
	}
	if c.AuthRetryDelay <= 0 {
		c.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = "memory"
	}
	return c
}

// AuthMessage is the deterministic message signed to derive credentials for identifier.
func (c *Config) AuthMessage(identifier string) string {
	return fmt.Sprintf(c.MessageTemplate, normalizeIdentifier(identifier))
}
