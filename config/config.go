// Package config loads server configuration from LOCKBOX_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/password"
	"github.com/jmcleod/lockbox/token"
)

// Prefix is prepended to every environment variable name.
const Prefix = "LOCKBOX_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8443"`
	TLSCert   string `env:"TLS_CERT"`
	TLSKey    string `env:"TLS_KEY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// TrustedProxies lists CIDRs whose forwarding headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Storage  Storage               `envPrefix:"STORAGE_"`
	Token    Token                 `envPrefix:"TOKEN_"`
	Cache    Cache                 `envPrefix:"CACHE_"`
	Ceremony Ceremony              `envPrefix:"CEREMONY_"`
	RP       ceremony.RelyingParty `envPrefix:"RP_"`
	Password Password              `envPrefix:"PASSWORD_"`
	Audit    Audit                 `envPrefix:"AUDIT_"`
	Limits   Limits                `envPrefix:"LOGIN_"`
}

// Storage selects and addresses the credential backend.
type Storage struct {
	Backend string `env:"BACKEND" envDefault:"bbolt"`
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	DSN     string `env:"DSN"`
	// Key is the hex AES-256 key sealing stored credential records.
	Key string `env:"KEY"`
}

// Token configures session token issuance.
type Token struct {
	// Secret is the hex server secret the signing and encryption keys are
	// derived from.
	Secret string        `env:"SECRET"`
	TTL    time.Duration `env:"TTL" envDefault:"8760h"`
	Leeway time.Duration `env:"LEEWAY" envDefault:"30s"`
	Issuer string        `env:"ISSUER" envDefault:"lockbox"`
}

// Cache configures the resolved-token cache.
type Cache struct {
	Disabled bool          `env:"DISABLED"`
	Size     int           `env:"SIZE" envDefault:"10000"`
	TTL      time.Duration `env:"TTL" envDefault:"5m"`
}

// Ceremony configures passkey ceremonies.
type Ceremony struct {
	ChallengeTTL            time.Duration `env:"CHALLENGE_TTL" envDefault:"5m"`
	ClearChallengeOnFailure bool          `env:"CLEAR_CHALLENGE_ON_FAILURE"`
}

// Password configures argon2id cost for new hashes.
type Password struct {
	Time        uint32 `env:"ARGON2_TIME" envDefault:"1"`
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"4"`
	BcryptCost  int    `env:"BCRYPT_COST" envDefault:"10"`
}

// Audit configures the audit sinks. The log sink is always on.
type Audit struct {
	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookHeader string `env:"WEBHOOK_AUTH_HEADER"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"lockbox:audit"`
	RedisMaxLen   int64  `env:"REDIS_MAXLEN" envDefault:"100000"`
}

// Limits configures per-account login throttling.
type Limits struct {
	MaxFailures int           `env:"MAX_FAILURES" envDefault:"5"`
	BaseLockout time.Duration `env:"BASE_LOCKOUT" envDefault:"1m"`
	MaxLockout  time.Duration `env:"MAX_LOCKOUT" envDefault:"15m"`
}

// Parse reads the environment into a Config without validating it, so
// callers can apply overrides first.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New(Prefix+"STORAGE_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if _, err := c.StorageKey(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TokenSecret(); err != nil {
		errs = append(errs, err)
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	if c.Cache.Size <= 0 && !c.Cache.Disabled {
		errs = append(errs, errors.New("cache size must be positive"))
	}
	if len(c.RP.Origins) == 0 {
		errs = append(errs, errors.New("at least one relying party origin is required"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// StorageKey decodes the record-sealing key.
func (c Config) StorageKey() ([]byte, error) {
	if c.Storage.Key == "" {
		return nil, errors.New(Prefix + "STORAGE_KEY is required (see `lockbox keygen`)")
	}
	k, err := util.ParseKeyHex(c.Storage.Key, util.KeySize)
	if err != nil {
		return nil, fmt.Errorf("storage key: %w", err)
	}
	return k[:util.KeySize], nil
}

// TokenSecret decodes the token server secret.
func (c Config) TokenSecret() ([]byte, error) {
	if c.Token.Secret == "" {
		return nil, errors.New(Prefix + "TOKEN_SECRET is required (see `lockbox keygen`)")
	}
	k, err := util.ParseKeyHex(c.Token.Secret, token.MinSecretLength)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	return k, nil
}

// TokenConfig converts the token settings for token.NewCodec.
func (c Config) TokenConfig() token.Config {
	return token.Config{TTL: c.Token.TTL, Leeway: c.Token.Leeway, Issuer: c.Token.Issuer}
}

// CeremonyConfig converts the ceremony settings for ceremony.New.
func (c Config) CeremonyConfig() ceremony.Config {
	return ceremony.Config{
		ChallengeTTL:            c.Ceremony.ChallengeTTL,
		ClearChallengeOnFailure: c.Ceremony.ClearChallengeOnFailure,
	}
}

// PasswordParams returns argon2id parameters for new hashes.
func (c Config) PasswordParams() password.Params {
	p := password.DefaultParams()
	p.Time = c.Password.Time
	p.Memory = c.Password.MemoryKiB
	p.Parallelism = c.Password.Parallelism
	return p
}

// NewTokenCache builds the configured cache. A disabled cache resolves
// every request through the codec.
func (c Config) NewTokenCache() token.Cache {
	if c.Cache.Disabled {
		return token.NopCache{}
	}
	return token.NewLRUCache(c.Cache.Size, c.Cache.TTL)
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
