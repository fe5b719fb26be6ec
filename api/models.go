package api

import (
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// LegacyPassword is the proof accounts created before the argon2id
	// migration were hashed from. Only consulted for legacy hashes.
	LegacyPassword string `json:"legacy_password,omitempty"`
}

// SessionResponse reports an established session. The token is also set as
// an HttpOnly cookie.
type SessionResponse struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is either a session or a step-up demand.
type LoginResponse struct {
	Status    string                        `json:"status"`
	Session   *SessionResponse              `json:"session,omitempty"`
	Assertion *protocol.CredentialAssertion `json:"assertion,omitempty"`
}

const (
	loginStatusOK     = "OK"
	loginStatusStepUp = "STEP_UP_REQUIRED"
)

type PasskeyLoginBeginRequest struct {
	Email string `json:"email"`
}

type PasskeyLoginFinishRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

type PasskeyResponse struct {
	CredentialID string    `json:"credential_id"`
	Transports   []string  `json:"transports,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitzero"`
}

type MeResponse struct {
	UserID      string            `json:"user_id"`
	Email       string            `json:"email"`
	Username    string            `json:"username"`
	HasPassword bool              `json:"has_password"`
	Passkeys    []PasskeyResponse `json:"passkeys"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

type SetPasswordRequest struct {
	Password string `json:"password"`
}

type LogoutRequest struct {
	// Everywhere revokes every session of the user, not just this one.
	Everywhere bool `json:"everywhere"`
}
