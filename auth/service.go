// Package auth composes the password, passkey and token components into the
// login flows exposed by the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/internal/uuid"
	"github.com/jmcleod/lockbox/password"
	"github.com/jmcleod/lockbox/token"
)

const maxEmailLength = 254

var (
	// ErrEmailTaken is returned by Register for an email already in use.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidEmail is returned by Register for an unusable address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrPasswordRequired is returned by Register without a proof.
	ErrPasswordRequired = errors.New("password is required")
)

// LoginResult is the outcome of a successful first login step. Exactly one
// of Token and StepUp is set.
type LoginResult struct {
	Token  string
	Claims token.Claims
	// StepUp carries the passkey assertion options when the account has
	// passkeys enrolled and a session is withheld until the ceremony
	// finishes.
	StepUp *protocol.CredentialAssertion
}

// StepUpRequired reports whether the caller must finish a passkey ceremony.
func (r LoginResult) StepUpRequired() bool {
	return r.StepUp != nil
}

// Service is the login composition root.
type Service struct {
	store     account.Store
	passwords *password.Authenticator
	ceremony  *ceremony.Ceremony
	issuer    ceremony.Issuer
	audit     *audit.Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for new accounts.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wires the login flows together.
func NewService(store account.Store, passwords *password.Authenticator, cer *ceremony.Ceremony, issuer ceremony.Issuer, recorder *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:     store,
		passwords: passwords,
		ceremony:  cer,
		issuer:    issuer,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if recorder == nil {
		recorder = audit.NewRecorder(audit.NewLogSink(s.logger), s.logger)
	}
	s.audit = recorder
	s.logger = s.logger.With("component", "auth")
	return s
}

// Register creates an account with a current password hash.
func (s *Service) Register(ctx context.Context, email, username, proof string) (*account.Credential, error) {
	email = account.NormalizeEmail(email)
	actor := util.HashIdentifier(email)
	if !validEmail(email) {
		s.failRegistration(ctx, actor, "invalid_email")
		return nil, ErrInvalidEmail
	}
	if proof == "" {
		s.failRegistration(ctx, actor, "missing_password")
		return nil, ErrPasswordRequired
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}

	h, err := s.passwords.NewCurrentHash(proof)
	if err != nil {
		s.failRegistration(ctx, actor, "hash_error")
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	now := s.now().UTC()
	c := &account.Credential{
		ID:                  uuid.New(),
		Email:               email,
		Username:            username,
		PasswordHash:        h.Encoded(),
		PasswordHashVersion: h.Version(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			s.failRegistration(ctx, actor, "email_taken")
			return nil, ErrEmailTaken
		}
		s.failRegistration(ctx, actor, "store_error")
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.audit.Record(ctx, audit.Record{Actor: c.ID, Action: audit.ActionRegistration, Status: audit.StatusSuccess})
	return c, nil
}

func (s *Service) failRegistration(ctx context.Context, actor, reason string) {
	s.audit.Record(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionRegistration,
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"reason": reason},
	})
}

func validEmail(email string) bool {
	if email == "" || len(email) > maxEmailLength {
		return false
	}
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && !strings.ContainsAny(domain, "@ ")
}

// Login checks the password. Accounts without passkeys get a session right
// away; accounts with passkeys get the assertion options for a step-up and
// no session.
func (s *Service) Login(ctx context.Context, email, proof, legacyProof string) (LoginResult, error) {
	c, err := s.passwords.Authenticate(ctx, email, proof, legacyProof)
	if err != nil {
		return LoginResult{}, err
	}
	if len(c.Passkeys) > 0 {
		assertion, err := s.ceremony.BeginStepUp(ctx, c)
		if err != nil {
			return LoginResult{}, fmt.Errorf("starting step-up: %w", err)
		}
		return LoginResult{StepUp: assertion}, nil
	}
	tok, claims, err := s.issuer.Issue(c.ID, c.Username, c.TokenVersion)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issuing session: %w", err)
	}
	return LoginResult{Token: tok, Claims: claims}, nil
}

// BeginPasskeyLogin starts a passwordless login. Emails that cannot log in
// without a password get decoy options, so the response does not reveal
// which accounts exist or have passkeys.
func (s *Service) BeginPasskeyLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	assertion, err := s.ceremony.BeginAuthentication(ctx, email)
	if errors.Is(err, ceremony.ErrNoPasskeys) {
		s.audit.Record(ctx, audit.Record{
			Actor:    util.HashIdentifier(account.NormalizeEmail(email)),
			Action:   audit.ActionLogin,
			Status:   audit.StatusFailure,
			Metadata: map[string]any{"method": "passkey", "reason": "passwordless_unavailable"},
		})
		return s.ceremony.DecoyAssertion(email)
	}
	return assertion, err
}

// FinishPasskeyLogin completes a passkey ceremony begun by Login or
// BeginPasskeyLogin and returns the session.
func (s *Service) FinishPasskeyLogin(ctx context.Context, email string, response []byte) (LoginResult, error) {
	tok, claims, err := s.ceremony.FinishAuthentication(ctx, email, response)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: tok, Claims: claims}, nil
}

// BeginEnrollment starts registering a passkey for a signed-in user.
func (s *Service) BeginEnrollment(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	return s.ceremony.BeginRegistration(ctx, userID)
}

// FinishEnrollment stores the passkey from the attestation response.
func (s *Service) FinishEnrollment(ctx context.Context, userID string, response []byte) (*account.PublicKeyCredential, error) {
	return s.ceremony.FinishRegistration(ctx, userID, response)
}

// RemovePasskey deletes one of the user's passkeys.
func (s *Service) RemovePasskey(ctx context.Context, userID string, credentialID []byte) error {
	return s.ceremony.RemovePasskey(ctx, userID, credentialID)
}

// SetPassword replaces the user's password.
func (s *Service) SetPassword(ctx context.Context, userID, proof string) error {
	if proof == "" {
		return ErrPasswordRequired
	}
	return s.passwords.SetPassword(ctx, userID, proof)
}

// RemovePassword makes the account passkey-only.
func (s *Service) RemovePassword(ctx context.Context, userID string) error {
	return s.passwords.RemovePassword(ctx, userID)
}

// Logout records the end of a session. The token itself stays valid until
// expiry unless RevokeSessions is used.
func (s *Service) Logout(ctx context.Context, userID string) {
	s.audit.Record(ctx, audit.Record{Actor: userID, Action: audit.ActionLogout, Status: audit.StatusSuccess})
}

// RevokeSessions bumps the user's token version so every session issued so
// far is refused by the guard.
func (s *Service) RevokeSessions(ctx context.Context, userID string) error {
	_, err := s.store.Update(ctx, userID, func(c *account.Credential) error {
		c.TokenVersion++
		return nil
	})
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	s.audit.Record(ctx, audit.Record{
		Actor:    userID,
		Action:   audit.ActionLogout,
		Status:   status,
		Metadata: map[string]any{"scope": "all_sessions"},
	})
	return err
}
