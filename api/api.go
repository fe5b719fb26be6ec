// Package api exposes the authentication flows over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/lockbox/auth"
	"github.com/jmcleod/lockbox/guard"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *auth.Service
	guard          *guard.Guard
	login          *loginLimiter
	registration   *attemptLimiter
	trustedProxies []netip.Prefix
	logger         *slog.Logger
}

//go:embed openapi.yaml
var openapiDocument []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithTrustedProxies lists the proxies whose forwarding headers identify
// the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAccountLimit overrides the per-account login throttling policy.
func WithAccountLimit(p LimitPolicy) Option {
	return func(a *API) { a.login.accounts = newAttemptLimiter(p) }
}

// New creates a new API instance.
func New(svc *auth.Service, g *guard.Guard, opts ...Option) *API {
	a := &API{
		svc:          svc,
		guard:        g,
		login:        newLoginLimiter(accountLimitPolicy, ipLimitPolicy),
		registration: newAttemptLimiter(registrationLimitPolicy),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "api")
	return a
}

func (a *API) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.SourceAddress)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDocument)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/passkey/login/begin", a.BeginPasskeyLogin)
	r.Post("/auth/passkey/login/finish", a.FinishPasskeyLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.RequireSession)
		r.Use(CSRFMiddleware)
		r.Post("/auth/logout", a.Logout)
		r.Get("/auth/me", a.Me)
		r.Post("/auth/passkey/register/begin", a.BeginPasskeyRegistration)
		r.Post("/auth/passkey/register/finish", a.FinishPasskeyRegistration)
		r.Delete("/auth/passkeys/{credentialID}", a.RemovePasskey)
		r.Put("/auth/password", a.SetPassword)
		r.Delete("/auth/password", a.RemovePassword)
	})

	return r
}

// SweepLimiters drops expired rate-limit state every interval until ctx is
// done.
func (a *API) SweepLimiters(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.login.sweep()
			a.registration.sweep()
		}
	}
}
