package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/guard"
)

// maxBodySize bounds auth request bodies. Attestation responses are the
// largest legitimate payload.
const maxBodySize = 64 << 10

// decodeJSON reads a bounded JSON body into T. On failure it writes a 400
// and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// SourceAddress records the client IP on the request context so every
// audit record written while serving the request carries it.
func (a *API) SourceAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithSourceAddress(r.Context(), a.extractClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests without a valid session and attaches the
// principal otherwise.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.guard.Middleware(a.unauthorized)(next).ServeHTTP(w, r)
	})
}

func (a *API) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, guard.ErrUnauthorized) {
		clearSessionCookie(w, r)
	}
	a.mapError(w, r, err)
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     guard.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     guard.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
