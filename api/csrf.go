package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/internal/uuid"
)

const (
	csrfCookieName = "lockbox_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie protection for mutating
// requests that authenticate with the session cookie. Bearer-authenticated
// requests are exempt: a cross-origin page cannot set the header.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(guard.SessionCookieName); err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie is readable by scripts so the client can echo it in
// X-CSRF-Token.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    uuid.New(),
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
