// Package account holds the per-user credential record and the store that
// persists it.
package account

import (
	"bytes"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Password hash versions. Version 1 hashes are only ever read (and replaced
// during migration); every write produces HashVersionCurrent.
const (
	HashVersionLegacy  = 1
	HashVersionCurrent = 2
)

// Credential is the durable authentication record for one user.
type Credential struct {
	ID                  string                `json:"id"`
	Email               string                `json:"email"`
	Username            string                `json:"username"`
	PasswordHash        string                `json:"password_hash,omitempty"`
	PasswordHashVersion int                   `json:"password_hash_version,omitempty"`
	TokenVersion        uint32                `json:"token_version"`
	Passkeys            []PublicKeyCredential `json:"passkeys,omitempty"`
	PendingChallenge    *PendingChallenge     `json:"pending_challenge,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// HasPassword reports whether a password hash is stored.
func (c *Credential) HasPassword() bool {
	return c.PasswordHash != ""
}

// PasskeyIndex returns the index of the passkey with the given ID, or -1.
func (c *Credential) PasskeyIndex(id []byte) int {
	for i := range c.Passkeys {
		if bytes.Equal(c.Passkeys[i].ID, id) {
			return i
		}
	}
	return -1
}

// PublicKeyCredential is an enrolled WebAuthn credential.
type PublicKeyCredential struct {
	ID               []byte    `json:"id"`
	PublicKey        []byte    `json:"public_key"`
	SignatureCounter uint32    `json:"signature_counter"`
	Transports       []string  `json:"transports,omitempty"`
	AttestationType  string    `json:"attestation_type,omitempty"`
	AAGUID           []byte    `json:"aaguid,omitempty"`
	UserPresent      bool      `json:"user_present"`
	UserVerified     bool      `json:"user_verified"`
	BackupEligible   bool      `json:"backup_eligible"`
	BackupState      bool      `json:"backup_state"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at,omitempty"`
}

// ChallengeKind distinguishes the ceremonies sharing the challenge slot.
type ChallengeKind string

const (
	ChallengeRegistration ChallengeKind = "registration"
	// ChallengeStepUp is begun only after the account's password was verified.
	ChallengeStepUp ChallengeKind = "step_up"
	// ChallengePasswordless is the sole login factor of an account without a
	// password.
	ChallengePasswordless ChallengeKind = "passwordless"
)

// PendingChallenge is the single live ceremony challenge of a user. A nil
// *PendingChallenge on the Credential means no ceremony is in flight.
type PendingChallenge struct {
	Kind     ChallengeKind        `json:"kind"`
	Session  webauthn.SessionData `json:"session"`
	IssuedAt time.Time            `json:"issued_at"`
}

// Challenge returns the base64url challenge the client must echo back.
func (p *PendingChallenge) Challenge() string {
	return p.Session.Challenge
}

// Expired reports whether the challenge is older than ttl at now.
func (p *PendingChallenge) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(p.IssuedAt) > ttl
}

var lower = cases.Lower(language.Und)

// NormalizeEmail trims, NFKC-normalizes and lowercases an email address.
func NormalizeEmail(email string) string {
	return lower.String(norm.NFKC.String(strings.TrimSpace(email)))
}
