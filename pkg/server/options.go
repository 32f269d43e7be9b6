package server

import (
	"log/slog"

	"github.com/storacha/go-ucanto/principal"

	"github.com/relves/dyadcast/internal/storage/sqlite"
	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/kdf"
)

// Config holds server configuration.
type Config struct {
	Service      *headend.Service
	StoreManager *sqlite.StoreManager
	// Secret provisions emulated decoders. Without it the decoder
	// endpoints are not registered.
	Secret    kdf.Secret
	Identity  principal.Signer
	Validator RequestValidator
	CacheSize int
	Logger    *slog.Logger
}

// Option configures the server.
type Option func(*Config)

func WithService(s *headend.Service) Option {
	return func(c *Config) {
		c.Service = s
	}
}

// WithStoreManager sets the SQLite store manager backing emulated decoders.
func WithStoreManager(sm *sqlite.StoreManager) Option {
	return func(c *Config) {
		c.StoreManager = sm
	}
}

func WithSecret(secret kdf.Secret) Option {
	return func(c *Config) {
		c.Secret = secret
	}
}

// WithIdentity sets the service principal reported by GET /info.
func WithIdentity(id principal.Signer) Option {
	return func(c *Config) {
		c.Identity = id
	}
}

// WithValidator sets a validator for subscription requests.
// If nil (default), every well-formed request is issued.
func WithValidator(v RequestValidator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithDecoderCacheSize sets the per-decoder key cache size.
func WithDecoderCacheSize(n int) Option {
	return func(c *Config) {
		c.CacheSize = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
