package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/auth"
	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/password"
	"github.com/jmcleod/lockbox/token"
)

const msgUnavailable = "temporarily unavailable; try again"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError is the only place internal errors become HTTP responses. Known
// sentinels get a fixed public message; anything else is logged and
// reported as a generic 500.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		a.log().ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, password.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, guard.ErrUnauthorized), errors.Is(err, token.ErrRejected):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, ceremony.ErrVerificationFailed):
		return http.StatusUnauthorized, "passkey verification failed"
	case errors.Is(err, ceremony.ErrChallengeMissing):
		return http.StatusBadRequest, "no passkey ceremony in progress; start again"
	case errors.Is(err, ceremony.ErrNoPasskeys):
		return http.StatusBadRequest, "no passkeys registered"
	case errors.Is(err, ceremony.ErrPasskeyNotFound):
		return http.StatusNotFound, "passkey not found"
	case errors.Is(err, ceremony.ErrLastFactor), errors.Is(err, password.ErrPasskeyRequired):
		return http.StatusConflict, "cannot remove the last sign-in method"
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict, "email already registered"
	case errors.Is(err, auth.ErrInvalidEmail):
		return http.StatusBadRequest, "a valid email is required"
	case errors.Is(err, auth.ErrPasswordRequired):
		return http.StatusBadRequest, "password is required"
	case errors.Is(err, account.ErrNotFound):
		// Only reachable for a signed-in user whose record vanished mid-request.
		return http.StatusUnauthorized, "authentication required"
	default:
		return http.StatusInternalServerError, msgUnavailable
	}
}
