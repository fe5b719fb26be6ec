// Package token issues and resolves opaque session tokens and caches
// resolved claims.
//
// A token is an HS256 JWT encrypted with AES-256-GCM and encoded as
// unpadded base64url. Clients cannot read the claims; the server can detect
// any modification.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/internal/uuid"
)

// ErrRejected is the only error Resolve reports. The wrapped message carries
// the internal reason for logs; it must not reach clients.
var ErrRejected = errors.New("token rejected")

const (
	// DefaultTTL keeps sessions alive for a year ("remember me").
	DefaultTTL    = 365 * 24 * time.Hour
	DefaultLeeway = 30 * time.Second
	DefaultIssuer = "lockbox"

	// MinSecretLength is the minimum accepted server secret size in bytes.
	MinSecretLength = 32

	signingPurpose    = "lockbox/token/sign/v1"
	encryptionPurpose = "lockbox/token/encrypt/v1"
	encryptionAAD     = "lockbox-session-token"
)

// Claims is the resolved content of a session token.
type Claims struct {
	UserID       string
	Username     string
	TokenVersion uint32
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

type jwtClaims struct {
	UserID       string `json:"uid"`
	Username     string `json:"usr"`
	TokenVersion uint32 `json:"tv"`
	jwt.RegisteredClaims
}

// Config controls token lifetime and validation.
type Config struct {
	TTL    time.Duration
	Leeway time.Duration
	Issuer string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Leeway < 0 {
		c.Leeway = 0
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	return c
}

// Codec issues and resolves tokens. It is safe for concurrent use.
type Codec struct {
	cfg     Config
	signKey *memguard.Enclave
	encKey  *memguard.Enclave
	now     func() time.Time
	logger  *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// WithLogger sets the logger used for rejection diagnostics.
func WithLogger(logger *slog.Logger) CodecOption {
	return func(c *Codec) { c.logger = logger.With("component", "token") }
}

// NewCodec derives independent signing and encryption keys from secret.
// The caller keeps ownership of secret.
func NewCodec(secret []byte, cfg Config, opts ...CodecOption) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	signKey, err := util.DeriveKey(secret, nil, signingPurpose)
	if err != nil {
		return nil, err
	}
	encKey, err := util.DeriveKey(secret, nil, encryptionPurpose)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		cfg:     cfg.withDefaults(),
		signKey: memguard.NewEnclave(signKey),
		encKey:  memguard.NewEnclave(encKey),
		now:     time.Now,
		logger:  slog.Default().With("component", "token"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL reports the validity window of issued tokens.
func (c *Codec) TTL() time.Duration { return c.cfg.TTL }

// Issue signs and encrypts a fresh claim set. Every call yields a distinct
// token, even for identical inputs.
func (c *Codec) Issue(userID, username string, tokenVersion uint32) (string, Claims, error) {
	now := c.now()
	claims := jwtClaims{
		UserID:       userID,
		Username:     username,
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   userID,
			ID:        uuid.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TTL)),
		},
	}

	signKey, err := c.signKey.Open()
	if err != nil {
		return "", Claims{}, fmt.Errorf("opening signing key: %w", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey.Bytes())
	signKey.Destroy()
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing token: %w", err)
	}

	encKey, err := c.encKey.Open()
	if err != nil {
		return "", Claims{}, fmt.Errorf("opening encryption key: %w", err)
	}
	sealed, err := util.Seal(encKey.Bytes(), []byte(signed), []byte(encryptionAAD))
	encKey.Destroy()
	if err != nil {
		return "", Claims{}, fmt.Errorf("encrypting token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(sealed), claims.toClaims(), nil
}

func (jc *jwtClaims) toClaims() Claims {
	return Claims{
		UserID:       jc.UserID,
		Username:     jc.Username,
		TokenVersion: jc.TokenVersion,
		IssuedAt:     jc.IssuedAt.Time,
		ExpiresAt:    jc.ExpiresAt.Time,
	}
}

// Resolve decrypts and verifies a token. Every failure, including a panic
// below it, is reported as ErrRejected.
func (c *Codec) Resolve(token string) (claims Claims, err error) {
	defer func() {
		if p := recover(); p != nil {
			claims, err = Claims{}, reject(fmt.Errorf("panic: %v", p))
		}
		if err != nil {
			c.logger.Debug("token rejected", slog.String("reason", err.Error()))
		}
	}()

	sealed, err := base64.RawURLEncoding.Strict().DecodeString(token)
	if err != nil {
		return Claims{}, reject(fmt.Errorf("decoding: %w", err))
	}

	encKey, err := c.encKey.Open()
	if err != nil {
		return Claims{}, fmt.Errorf("opening encryption key: %w", err)
	}
	signed, err := util.Open(encKey.Bytes(), sealed, []byte(encryptionAAD))
	encKey.Destroy()
	if err != nil {
		return Claims{}, reject(err)
	}

	var jc jwtClaims
	_, err = jwt.ParseWithClaims(string(signed), &jc, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithLeeway(c.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, reject(err)
	}
	if jc.UserID == "" || jc.IssuedAt == nil {
		return Claims{}, reject(errors.New("missing subject"))
	}
	return jc.toClaims(), nil
}

func (c *Codec) keyFunc(*jwt.Token) (any, error) {
	buf, err := c.signKey.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}

func reject(cause error) error {
	return fmt.Errorf("%w: %v", ErrRejected, cause)
}
