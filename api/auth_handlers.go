package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/auth"
	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/password"
)

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.registration.check(clientIP); blocked {
		a.log().InfoContext(r.Context(), "registration rate limited", slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	// Counted before hashing: every request costs an argon2id run.
	a.registration.recordFailure(clientIP)

	c, err := a.svc.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		UserID   string `json:"user_id"`
		Email    string `json:"email"`
		Username string `json:"username"`
	}{c.ID, c.Email, c.Username})
}

// Login handles POST /auth/login. Accounts with passkeys receive a
// STEP_UP_REQUIRED status and assertion options instead of a session.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	accountKey := util.HashIdentifier(account.NormalizeEmail(req.Email))
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.login.check(accountKey, clientIP); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := a.svc.Login(r.Context(), req.Email, req.Password, req.LegacyPassword)
	if err != nil {
		if isCredentialFailure(err) {
			a.login.failure(accountKey, clientIP)
		}
		a.mapError(w, r, err)
		return
	}
	if res.StepUpRequired() {
		writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusStepUp, Assertion: res.StepUp})
		return
	}
	a.login.success(accountKey, clientIP)
	writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusOK, Session: a.startSession(w, r, res)})
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request, res auth.LoginResult) *SessionResponse {
	writeSessionCookie(w, r, res.Token, res.Claims.ExpiresAt)
	writeCSRFCookie(w, r, res.Claims.ExpiresAt)
	return &SessionResponse{
		UserID:    res.Claims.UserID,
		Username:  res.Claims.Username,
		Token:     res.Token,
		ExpiresAt: res.Claims.ExpiresAt,
	}
}

// Logout handles POST /auth/logout. With {"everywhere": true} every session
// of the user is revoked.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	req := LogoutRequest{}
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = decodeJSON[LogoutRequest](w, r, maxBodySize); !ok {
			return
		}
	}
	if req.Everywhere {
		if err := a.svc.RevokeSessions(r.Context(), p.UserID); err != nil {
			a.mapError(w, r, err)
			return
		}
	} else {
		a.svc.Logout(r.Context(), p.UserID)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	c := p.Credential
	resp := MeResponse{
		UserID:      c.ID,
		Email:       c.Email,
		Username:    c.Username,
		HasPassword: c.HasPassword(),
		Passkeys:    make([]PasskeyResponse, 0, len(c.Passkeys)),
		ExpiresAt:   p.Claims.ExpiresAt,
	}
	for _, pk := range c.Passkeys {
		resp.Passkeys = append(resp.Passkeys, passkeyResponse(pk))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetPassword handles PUT /auth/password.
func (a *API) SetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SetPasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	p := guard.PrincipalFrom(r.Context())
	if err := a.svc.SetPassword(r.Context(), p.UserID, req.Password); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemovePassword handles DELETE /auth/password. The account must have a
// passkey left to sign in with.
func (a *API) RemovePassword(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if err := a.svc.RemovePassword(r.Context(), p.UserID); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// isCredentialFailure reports whether err should count against the login
// rate limits.
func isCredentialFailure(err error) bool {
	return errors.Is(err, password.ErrInvalidCredentials) ||
		errors.Is(err, ceremony.ErrVerificationFailed) ||
		errors.Is(err, ceremony.ErrChallengeMissing)
}
