package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/internal/util"
)

func passkeyResponse(pk account.PublicKeyCredential) PasskeyResponse {
	return PasskeyResponse{
		CredentialID: protocol.URLEncodedBase64(pk.ID).String(),
		Transports:   pk.Transports,
		CreatedAt:    pk.CreatedAt,
		LastUsedAt:   pk.LastUsedAt,
	}
}

// readCeremonyBody returns the raw client response of a ceremony finish.
func readCeremonyBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "credential response is required")
		return nil, false
	}
	return body, true
}

// BeginPasskeyLogin handles POST /auth/passkey/login/begin. It starts a
// passwordless login for an account with passkeys and no password; any
// other email receives decoy options of the same shape.
func (a *API) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasskeyLoginBeginRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	accountKey := util.HashIdentifier(account.NormalizeEmail(req.Email))
	if blocked, retryAfter := a.login.check(accountKey, a.extractClientIP(r)); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	assertion, err := a.svc.BeginPasskeyLogin(r.Context(), req.Email)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assertion)
}

// FinishPasskeyLogin handles POST /auth/passkey/login/finish. It completes
// both a passwordless login and the step-up demanded by /auth/login.
func (a *API) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasskeyLoginFinishRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "email and credential are required")
		return
	}
	accountKey := util.HashIdentifier(account.NormalizeEmail(req.Email))
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.login.check(accountKey, clientIP); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := a.svc.FinishPasskeyLogin(r.Context(), req.Email, req.Credential)
	if err != nil {
		if isCredentialFailure(err) {
			a.login.failure(accountKey, clientIP)
		}
		a.mapError(w, r, err)
		return
	}
	a.login.success(accountKey, clientIP)
	writeJSON(w, http.StatusOK, LoginResponse{Status: loginStatusOK, Session: a.startSession(w, r, res)})
}

// BeginPasskeyRegistration handles POST /auth/passkey/register/begin.
func (a *API) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	creation, err := a.svc.BeginEnrollment(r.Context(), p.UserID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

// FinishPasskeyRegistration handles POST /auth/passkey/register/finish. The
// body is the authenticator's attestation response as produced by
// navigator.credentials.create.
func (a *API) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	body, ok := readCeremonyBody(w, r)
	if !ok {
		return
	}
	p := guard.PrincipalFrom(r.Context())
	pk, err := a.svc.FinishEnrollment(r.Context(), p.UserID, body)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, passkeyResponse(*pk))
}

// RemovePasskey handles DELETE /auth/passkeys/{credentialID}. The ID is
// base64url, padded or not.
func (a *API) RemovePasskey(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimRight(chi.URLParam(r, "credentialID"), "=")
	id, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(id) == 0 {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	p := guard.PrincipalFrom(r.Context())
	if err := a.svc.RemovePasskey(r.Context(), p.UserID, id); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
