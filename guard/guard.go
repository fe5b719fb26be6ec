// Package guard authorizes inbound requests carrying a session token.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/token"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "lockbox_session"

var (
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUserVanished means the token was valid but its user no longer
	// exists. It wraps ErrUnauthorized.
	ErrUserVanished = fmt.Errorf("%w: user no longer exists", ErrUnauthorized)
)

// Resolver turns an opaque token into claims. *token.Codec implements it.
type Resolver interface {
	Resolve(tok string) (token.Claims, error)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID     string
	Username   string
	Email      string
	Token      string
	Claims     token.Entry
	Credential *account.Credential
}

// Guard authorizes requests. The cache only short-circuits token
// decryption; the user record is re-read on every request.
type Guard struct {
	store    account.Store
	resolver Resolver
	cache    token.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithCache sets the resolved-token cache. The default is token.NopCache.
func WithCache(c token.Cache) Option {
	return func(g *Guard) { g.cache = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger.With("component", "guard") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a Guard.
func New(store account.Store, resolver Resolver, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		resolver: resolver,
		cache:    token.NopCache{},
		logger:   slog.Default().With("component", "guard"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TokenFromRequest returns the session token, preferring the cookie over
// an Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(value)
	}
	return ""
}

// Authorize resolves the request's token to a Principal. Authentication
// failures are ErrUnauthorized (or ErrUserVanished); any other error is a
// store failure.
func (g *Guard) Authorize(r *http.Request) (*Principal, error) {
	tok := TokenFromRequest(r)
	if tok == "" {
		return nil, ErrUnauthorized
	}

	entry, hit := g.cache.Get(tok)
	if hit && !g.now().Before(entry.ExpiresAt) {
		hit = false
	}
	if !hit {
		claims, err := g.resolver.Resolve(tok)
		if err != nil {
			if !errors.Is(err, token.ErrRejected) {
				return nil, fmt.Errorf("resolving token: %w", err)
			}
			g.logger.DebugContext(r.Context(), "rejected session token", slog.String("error", err.Error()))
			return nil, ErrUnauthorized
		}
		entry = token.EntryFromClaims(claims)
		g.cache.Put(tok, entry)
	}

	return g.principal(r.Context(), tok, entry)
}

func (g *Guard) principal(ctx context.Context, tok string, entry token.Entry) (*Principal, error) {
	c, err := g.store.FindByID(ctx, entry.UserID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrUserVanished
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if c.ID != entry.UserID {
		return nil, ErrUnauthorized
	}
	if entry.TokenVersion < c.TokenVersion {
		return nil, ErrUnauthorized
	}
	return &Principal{
		UserID:     c.ID,
		Username:   c.Username,
		Email:      c.Email,
		Token:      tok,
		Claims:     entry,
		Credential: c,
	}, nil
}

type contextKey int

const principalKey contextKey = iota

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal attached by Middleware, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// ErrorWriter renders an authorization failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware rejects requests that do not authorize and attaches the
// Principal to the request context otherwise.
func (g *Guard) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authorize(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
