package ceremony

import (
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/lockbox/account"
)

// Provider runs the WebAuthn protocol checks. *webauthn.WebAuthn
// implements it.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Parser decodes client ceremony responses.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type protocolParser struct{}

func (protocolParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (protocolParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// RelyingParty identifies this server to authenticators.
type RelyingParty struct {
	ID          string   `env:"ID" envDefault:"localhost"`
	DisplayName string   `env:"DISPLAY_NAME" envDefault:"Lockbox"`
	Origins     []string `env:"ORIGINS" envSeparator:"," envDefault:"https://localhost:8443"`
}

// NewWebAuthn builds the protocol provider for rp.
func NewWebAuthn(rp RelyingParty) (*webauthn.WebAuthn, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: rp.DisplayName,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return w, nil
}

// user adapts an account.Credential to webauthn.User.
type user struct {
	record      *account.Credential
	credentials []webauthn.Credential
}

func newUser(c *account.Credential) *user {
	creds := make([]webauthn.Credential, 0, len(c.Passkeys))
	for _, pk := range c.Passkeys {
		creds = append(creds, toWebAuthn(pk))
	}
	return &user{record: c, credentials: creds}
}

func (u *user) WebAuthnID() []byte   { return []byte(u.record.ID) }
func (u *user) WebAuthnName() string { return u.record.Email }
func (u *user) WebAuthnDisplayName() string {
	if u.record.Username != "" {
		return u.record.Username
	}
	return u.record.Email
}
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func toWebAuthn(pk account.PublicKeyCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(pk.Transports))
	for _, t := range pk.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              pk.ID,
		PublicKey:       pk.PublicKey,
		AttestationType: pk.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    pk.UserPresent,
			UserVerified:   pk.UserVerified,
			BackupEligible: pk.BackupEligible,
			BackupState:    pk.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    pk.AAGUID,
			SignCount: pk.SignatureCounter,
		},
	}
}

func fromWebAuthn(c *webauthn.Credential) account.PublicKeyCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return account.PublicKeyCredential{
		ID:               c.ID,
		PublicKey:        c.PublicKey,
		SignatureCounter: c.Authenticator.SignCount,
		Transports:       transports,
		AttestationType:  c.AttestationType,
		AAGUID:           c.Authenticator.AAGUID,
		UserPresent:      c.Flags.UserPresent,
		UserVerified:     c.Flags.UserVerified,
		BackupEligible:   c.Flags.BackupEligible,
		BackupState:      c.Flags.BackupState,
	}
}
