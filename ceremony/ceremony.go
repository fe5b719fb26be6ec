// Package ceremony runs the WebAuthn passkey ceremonies. Each user has a
// single challenge slot on their credential record; a later Begin replaces
// an earlier one and every Finish consumes it with one CAS update.
package ceremony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/token"
)

// DefaultChallengeTTL bounds how long a begun ceremony can be finished.
const DefaultChallengeTTL = 5 * time.Minute

var (
	// ErrChallengeMissing means no matching ceremony is in progress: it was
	// never begun, has expired, was replaced or was already consumed.
	ErrChallengeMissing = errors.New("no ceremony in progress")
	// ErrVerificationFailed covers every rejected ceremony response.
	ErrVerificationFailed = errors.New("passkey verification failed")
	// ErrNoPasskeys is returned when authentication is begun for an account
	// without enrolled passkeys.
	ErrNoPasskeys = errors.New("no passkeys enrolled")
	// ErrPasskeyNotFound is returned by RemovePasskey for an unknown ID.
	ErrPasskeyNotFound = errors.New("passkey not found")
	// ErrLastFactor is returned when removing a passkey would leave the
	// account with no way to sign in.
	ErrLastFactor = errors.New("cannot remove the last sign-in method")

	errCounterRegression = errors.New("signature counter did not increase")
	errDuplicatePasskey  = errors.New("passkey already enrolled")
	errUnknownPasskey    = errors.New("passkey not enrolled")
	errPasswordRequired  = errors.New("account has a password; passkey is a second factor")
)

// Config tunes ceremony behavior.
type Config struct {
	ChallengeTTL time.Duration
	// ClearChallengeOnFailure consumes the pending challenge when a finish
	// step fails verification. By default it is kept until success or
	// replacement.
	ClearChallengeOnFailure bool
}

// Issuer mints a session token after a successful passkey login.
// *token.Codec implements it.
type Issuer interface {
	Issue(userID, username string, tokenVersion uint32) (string, token.Claims, error)
}

// Ceremony drives passkey registration and authentication.
type Ceremony struct {
	store    account.Store
	provider Provider
	parser   Parser
	issuer   Issuer
	audit    *audit.Recorder
	cfg      Config
	decoyKey []byte
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Ceremony.
type Option func(*Ceremony)

// WithParser replaces the client response parser.
func WithParser(p Parser) Option {
	return func(c *Ceremony) { c.parser = p }
}

// WithClock overrides the time source used for challenge expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Ceremony) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Ceremony) { c.logger = logger }
}

// New returns a Ceremony. A zero ChallengeTTL uses DefaultChallengeTTL.
func New(store account.Store, provider Provider, issuer Issuer, recorder *audit.Recorder, cfg Config, opts ...Option) *Ceremony {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	decoyKey := make([]byte, sha256.Size)
	rand.Read(decoyKey)
	c := &Ceremony{
		store:    store,
		provider: provider,
		parser:   protocolParser{},
		issuer:   issuer,
		cfg:      cfg,
		decoyKey: decoyKey,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if recorder == nil {
		recorder = audit.NewRecorder(audit.NewLogSink(c.logger), c.logger)
	}
	c.audit = recorder
	c.logger = c.logger.With("component", "ceremony")
	return c
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// BeginRegistration starts enrolling a passkey for userID. Already enrolled
// credentials are excluded so an authenticator cannot register twice.
func (c *Ceremony) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	rec, err := c.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := newUser(rec)
	exclusions := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for _, cred := range u.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}
	creation, session, err := c.provider.BeginRegistration(u, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}
	if err := c.storeChallenge(ctx, userID, account.ChallengeRegistration, session); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies the authenticator's attestation response and
// enrolls the new passkey.
func (c *Ceremony) FinishRegistration(ctx context.Context, userID string, response []byte) (*account.PublicKeyCredential, error) {
	rec, err := c.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := c.pending(ctx, rec, account.ChallengeRegistration)
	if err != nil {
		c.failRegistration(ctx, userID, "challenge_missing")
		return nil, err
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, c.registrationFailed(ctx, userID, pending, "malformed_response", err)
	}
	created, err := c.provider.CreateCredential(newUser(rec), pending.Session, parsed)
	if err != nil {
		return nil, c.registrationFailed(ctx, userID, pending, "verification", err)
	}

	passkey := fromWebAuthn(created)
	passkey.CreatedAt = c.now().UTC()
	_, err = c.store.Update(ctx, userID, func(cur *account.Credential) error {
		if !samePending(cur.PendingChallenge, pending) {
			return ErrChallengeMissing
		}
		if cur.PasskeyIndex(passkey.ID) >= 0 {
			return errDuplicatePasskey
		}
		cur.Passkeys = append(cur.Passkeys, passkey)
		cur.PendingChallenge = nil
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrChallengeMissing):
		c.failRegistration(ctx, userID, "challenge_consumed")
		return nil, ErrChallengeMissing
	case errors.Is(err, errDuplicatePasskey):
		return nil, c.registrationFailed(ctx, userID, pending, "duplicate_credential", err)
	default:
		c.failRegistration(ctx, userID, "store_error")
		return nil, fmt.Errorf("storing passkey: %w", err)
	}

	c.audit.Record(ctx, audit.Record{
		Actor:    userID,
		Action:   audit.ActionPasskeyEnrolled,
		Status:   audit.StatusSuccess,
		Metadata: map[string]any{"credential_id": protocol.URLEncodedBase64(passkey.ID).String()},
	})
	return &passkey, nil
}

func (c *Ceremony) registrationFailed(ctx context.Context, userID string, pending *account.PendingChallenge, reason string, cause error) error {
	c.logger.InfoContext(ctx, "passkey registration rejected",
		slog.String("user_id", userID), slog.String("reason", reason), slog.String("error", cause.Error()))
	c.failRegistration(ctx, userID, reason)
	c.maybeClear(ctx, userID, pending)
	return ErrVerificationFailed
}

func (c *Ceremony) failRegistration(ctx context.Context, userID, reason string) {
	c.audit.Record(ctx, audit.Record{
		Actor:    userID,
		Action:   audit.ActionPasskeyEnrolled,
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"reason": reason},
	})
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// BeginStepUp starts the passkey step of a password login for rec, whose
// password the caller has just verified. The allow-list holds exactly the
// enrolled passkeys.
func (c *Ceremony) BeginStepUp(ctx context.Context, rec *account.Credential) (*protocol.CredentialAssertion, error) {
	if len(rec.Passkeys) == 0 {
		return nil, ErrNoPasskeys
	}
	return c.beginLogin(ctx, rec, account.ChallengeStepUp)
}

// BeginAuthentication starts a passwordless login for email. Only accounts
// without a password qualify: unknown accounts, accounts without passkeys
// and accounts that still have a password all get ErrNoPasskeys, and no
// challenge is stored for them.
func (c *Ceremony) BeginAuthentication(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	rec, err := c.store.FindByEmail(ctx, account.NormalizeEmail(email))
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrNoPasskeys
	}
	if err != nil {
		return nil, err
	}
	if len(rec.Passkeys) == 0 || rec.HasPassword() {
		return nil, ErrNoPasskeys
	}
	return c.beginLogin(ctx, rec, account.ChallengePasswordless)
}

func (c *Ceremony) beginLogin(ctx context.Context, rec *account.Credential, kind account.ChallengeKind) (*protocol.CredentialAssertion, error) {
	assertion, session, err := c.provider.BeginLogin(newUser(rec))
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}
	if err := c.storeChallenge(ctx, rec.ID, kind, session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// DecoyAssertion returns login options for an email that cannot begin a
// passwordless login. They carry a fresh challenge and one credential ID
// derived from the email, so repeated requests look like a real account.
// Nothing is stored and no finish can succeed against them.
func (c *Ceremony) DecoyAssertion(email string) (*protocol.CredentialAssertion, error) {
	email = account.NormalizeEmail(email)
	mac := hmac.New(sha256.New, c.decoyKey)
	mac.Write([]byte(email))
	sum := mac.Sum(nil)
	decoy := &account.Credential{
		ID:       hex.EncodeToString(sum[:16]),
		Email:    email,
		Passkeys: []account.PublicKeyCredential{{ID: sum[16:], Transports: []string{string(protocol.Internal)}}},
	}
	assertion, _, err := c.provider.BeginLogin(newUser(decoy))
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}
	return assertion, nil
}

// FinishAuthentication verifies an assertion for email and issues a session
// token. It completes either a step-up or a passwordless challenge; the
// latter is refused once the account has a password again. The stored
// signature counter must strictly increase; counter update and challenge
// consumption commit together.
func (c *Ceremony) FinishAuthentication(ctx context.Context, email string, response []byte) (string, token.Claims, error) {
	email = account.NormalizeEmail(email)
	rec, err := c.store.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		c.failLogin(ctx, util.HashIdentifier(email), "not_found")
		return "", token.Claims{}, ErrChallengeMissing
	}
	if err != nil {
		c.failLogin(ctx, util.HashIdentifier(email), "store_error")
		return "", token.Claims{}, err
	}
	pending, err := c.pending(ctx, rec, account.ChallengeStepUp, account.ChallengePasswordless)
	if err != nil {
		c.failLogin(ctx, rec.ID, "challenge_missing")
		return "", token.Claims{}, err
	}

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "malformed_response", err)
	}
	if rec.PasskeyIndex(parsed.RawID) < 0 {
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "unknown_credential", errUnknownPasskey)
	}
	validated, err := c.provider.ValidateLogin(newUser(rec), pending.Session, parsed)
	if err != nil {
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "verification", err)
	}

	counter := parsed.Response.AuthenticatorData.Counter
	now := c.now().UTC()
	updated, err := c.store.Update(ctx, rec.ID, func(cur *account.Credential) error {
		if !samePending(cur.PendingChallenge, pending) {
			return ErrChallengeMissing
		}
		if pending.Kind == account.ChallengePasswordless && cur.HasPassword() {
			return errPasswordRequired
		}
		i := cur.PasskeyIndex(parsed.RawID)
		if i < 0 {
			return errUnknownPasskey
		}
		pk := &cur.Passkeys[i]
		if counter <= pk.SignatureCounter {
			return errCounterRegression
		}
		pk.SignatureCounter = counter
		pk.LastUsedAt = now
		if validated != nil {
			pk.BackupState = validated.Flags.BackupState
		}
		cur.PendingChallenge = nil
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrChallengeMissing):
		c.failLogin(ctx, rec.ID, "challenge_consumed")
		return "", token.Claims{}, ErrChallengeMissing
	case errors.Is(err, errCounterRegression):
		c.logger.WarnContext(ctx, "passkey signature counter regression; possible cloned authenticator",
			slog.String("user_id", rec.ID), slog.Uint64("counter", uint64(counter)))
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "counter_regression", err)
	case errors.Is(err, errUnknownPasskey):
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "unknown_credential", err)
	case errors.Is(err, errPasswordRequired):
		c.clear(ctx, rec.ID, pending)
		return "", token.Claims{}, c.loginFailed(ctx, rec.ID, pending, "password_required", err)
	default:
		c.failLogin(ctx, rec.ID, "store_error")
		return "", token.Claims{}, fmt.Errorf("committing passkey login: %w", err)
	}

	tok, claims, err := c.issuer.Issue(updated.ID, updated.Username, updated.TokenVersion)
	if err != nil {
		c.failLogin(ctx, rec.ID, "issue_error")
		return "", token.Claims{}, fmt.Errorf("issuing session: %w", err)
	}
	c.audit.Record(ctx, audit.Record{
		Actor:    updated.ID,
		Action:   audit.ActionLogin,
		Status:   audit.StatusSuccess,
		Metadata: map[string]any{"method": "passkey", "ceremony": string(pending.Kind)},
	})
	return tok, claims, nil
}

func (c *Ceremony) loginFailed(ctx context.Context, userID string, pending *account.PendingChallenge, reason string, cause error) error {
	c.logger.InfoContext(ctx, "passkey login rejected",
		slog.String("user_id", userID), slog.String("reason", reason), slog.String("error", cause.Error()))
	c.failLogin(ctx, userID, reason)
	c.maybeClear(ctx, userID, pending)
	return ErrVerificationFailed
}

func (c *Ceremony) failLogin(ctx context.Context, actor, reason string) {
	c.audit.Record(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionLogin,
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"method": "passkey", "reason": reason},
	})
}

// ---------------------------------------------------------------------------
// Management
// ---------------------------------------------------------------------------

// RemovePasskey deletes an enrolled passkey. The last passkey of an account
// without a password cannot be removed.
func (c *Ceremony) RemovePasskey(ctx context.Context, userID string, credentialID []byte) error {
	_, err := c.store.Update(ctx, userID, func(cur *account.Credential) error {
		i := cur.PasskeyIndex(credentialID)
		if i < 0 {
			return ErrPasskeyNotFound
		}
		if len(cur.Passkeys) == 1 && !cur.HasPassword() {
			return ErrLastFactor
		}
		cur.Passkeys = append(cur.Passkeys[:i], cur.Passkeys[i+1:]...)
		return nil
	})
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	c.audit.Record(ctx, audit.Record{
		Actor:    userID,
		Action:   audit.ActionPasskeyRemoved,
		Status:   status,
		Metadata: map[string]any{"credential_id": protocol.URLEncodedBase64(credentialID).String()},
	})
	return err
}

// ---------------------------------------------------------------------------
// Challenge slot
// ---------------------------------------------------------------------------

func (c *Ceremony) storeChallenge(ctx context.Context, userID string, kind account.ChallengeKind, session *webauthn.SessionData) error {
	pending := &account.PendingChallenge{Kind: kind, Session: *session, IssuedAt: c.now().UTC()}
	_, err := c.store.Update(ctx, userID, func(cur *account.Credential) error {
		cur.PendingChallenge = pending
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// pending returns the live challenge on rec if it is one of kinds. An
// expired challenge is cleared before ErrChallengeMissing is returned.
func (c *Ceremony) pending(ctx context.Context, rec *account.Credential, kinds ...account.ChallengeKind) (*account.PendingChallenge, error) {
	p := rec.PendingChallenge
	if p == nil || !slices.Contains(kinds, p.Kind) {
		return nil, ErrChallengeMissing
	}
	if p.Expired(c.now(), c.cfg.ChallengeTTL) {
		c.clear(ctx, rec.ID, p)
		return nil, ErrChallengeMissing
	}
	return p, nil
}

func (c *Ceremony) maybeClear(ctx context.Context, userID string, pending *account.PendingChallenge) {
	if c.cfg.ClearChallengeOnFailure {
		c.clear(ctx, userID, pending)
	}
}

// clear drops pending from the slot unless a newer ceremony replaced it.
func (c *Ceremony) clear(ctx context.Context, userID string, pending *account.PendingChallenge) {
	_, err := c.store.Update(ctx, userID, func(cur *account.Credential) error {
		if !samePending(cur.PendingChallenge, pending) {
			return ErrChallengeMissing
		}
		cur.PendingChallenge = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrChallengeMissing) {
		c.logger.WarnContext(ctx, "clearing challenge failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func samePending(cur, want *account.PendingChallenge) bool {
	return cur != nil && want != nil &&
		cur.Kind == want.Kind &&
		cur.Challenge() == want.Challenge() &&
		bytes.Equal(cur.Session.UserID, want.Session.UserID)
}
