package password

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/internal/util"
)

var (
	// ErrInvalidCredentials covers an unknown email, a passwordless account
	// and a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPasskeyRequired is returned by RemovePassword when the account
	// would be left with no way to sign in.
	ErrPasskeyRequired = errors.New("enroll a passkey before removing the password")

	errHashChanged = errors.New("stored hash changed since verification")
)

// Authenticator verifies password proofs against the credential store.
type Authenticator struct {
	store  account.Store
	hasher *Hasher
	audit  *audit.Recorder
	logger *slog.Logger

	// dummy absorbs the proof when there is no real hash to check, so an
	// unknown account costs the same argon2id work as a wrong password.
	dummy  CurrentHash
	verify func(StoredHash, string) (bool, error)
}

// NewAuthenticator returns an Authenticator. A nil recorder or logger falls
// back to the default slog logger.
func NewAuthenticator(store account.Store, hasher *Hasher, recorder *audit.Recorder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(audit.NewLogSink(logger), logger)
	}
	a := &Authenticator{
		store:  store,
		hasher: hasher,
		audit:  recorder,
		logger: logger.With("component", "password"),
		verify: StoredHash.Verify,
	}
	dummy, err := hasher.Hash("dummy")
	if err != nil {
		a.logger.Warn("building dummy password hash failed", slog.String("error", err.Error()))
	}
	a.dummy = dummy
	return a
}

// Authenticate looks up email and checks proof. For a legacy hash the check
// uses legacyProof when it is non-empty, and on success the hash is upgraded
// to argon2id of proof. A failed upgrade is logged and retried on the next
// login; the login itself still succeeds.
//
// Exactly one audit record is written per call. Store failures other than a
// missing account are returned as-is, not as ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, email, proof, legacyProof string) (*account.Credential, error) {
	email = account.NormalizeEmail(email)
	actor := util.HashIdentifier(email)

	c, err := a.store.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		a.verifyDummy(proof)
		a.fail(ctx, actor, "not_found")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		a.fail(ctx, actor, "store_error")
		return nil, fmt.Errorf("looking up credential: %w", err)
	}

	stored, err := FromCredential(c)
	if errors.Is(err, ErrNoHash) {
		a.verifyDummy(proof)
		a.fail(ctx, actor, "no_password")
		return nil, ErrInvalidCredentials
	}

	switch h := stored.(type) {
	case LegacyHash:
		check := proof
		if legacyProof != "" {
			check = legacyProof
		}
		upgraded, err := a.hasher.Migrate(h, check, proof)
		if err != nil {
			a.failVerify(ctx, actor, c.ID, err)
			return nil, ErrInvalidCredentials
		}
		c = a.storeMigration(ctx, c, h, upgraded)

	case CurrentHash:
		ok, err := a.verify(h, proof)
		if err != nil || !ok {
			if err == nil {
				err = ErrInvalidCredentials
			} else {
				a.verifyDummy(proof)
			}
			a.failVerify(ctx, actor, c.ID, err)
			return nil, ErrInvalidCredentials
		}
	}

	a.audit.Record(ctx, audit.Record{
		Actor:    c.ID,
		Action:   audit.ActionLogin,
		Status:   audit.StatusSuccess,
		Metadata: map[string]any{"method": "password", "hash_version": c.PasswordHashVersion},
	})
	return c, nil
}

func (a *Authenticator) verifyDummy(proof string) {
	a.verify(a.dummy, proof)
}

func (a *Authenticator) fail(ctx context.Context, actor, reason string) {
	a.audit.Record(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionLogin,
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"method": "password", "reason": reason},
	})
}

func (a *Authenticator) failVerify(ctx context.Context, actor, userID string, err error) {
	reason := "bad_password"
	if errors.Is(err, ErrMalformedHash) {
		reason = "malformed_hash"
		a.logger.ErrorContext(ctx, "stored password hash is malformed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	a.fail(ctx, actor, reason)
}

// storeMigration swaps the verified legacy hash for upgraded. The write only
// lands if the record still carries that exact legacy hash, so a concurrent
// migration or password change is never overwritten.
func (a *Authenticator) storeMigration(ctx context.Context, c *account.Credential, legacy LegacyHash, upgraded CurrentHash) *account.Credential {
	updated, err := a.store.Update(ctx, c.ID, func(cur *account.Credential) error {
		if cur.PasswordHashVersion > account.HashVersionLegacy || cur.PasswordHash != legacy.Encoded() {
			return errHashChanged
		}
		cur.PasswordHash = upgraded.Encoded()
		cur.PasswordHashVersion = upgraded.Version()
		return nil
	})
	switch {
	case err == nil:
		a.logger.InfoContext(ctx, "migrated legacy password hash", slog.String("user_id", c.ID))
		return updated
	case errors.Is(err, errHashChanged):
		a.logger.DebugContext(ctx, "password hash already replaced; skipping migration", slog.String("user_id", c.ID))
	default:
		a.logger.WarnContext(ctx, "password hash migration failed; will retry on next login",
			slog.String("user_id", c.ID), slog.String("error", err.Error()))
	}
	return c
}

// SetPassword stores a current hash of proof for the user, replacing any
// existing hash.
func (a *Authenticator) SetPassword(ctx context.Context, userID, proof string) error {
	h, err := a.hasher.Hash(proof)
	if err != nil {
		return err
	}
	_, err = a.store.Update(ctx, userID, func(c *account.Credential) error {
		c.PasswordHash = h.Encoded()
		c.PasswordHashVersion = h.Version()
		return nil
	})
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	a.audit.Record(ctx, audit.Record{Actor: userID, Action: audit.ActionPasswordSet, Status: status})
	return err
}

// RemovePassword clears the password hash. At least one passkey must be
// enrolled.
func (a *Authenticator) RemovePassword(ctx context.Context, userID string) error {
	_, err := a.store.Update(ctx, userID, func(c *account.Credential) error {
		if len(c.Passkeys) == 0 {
			return ErrPasskeyRequired
		}
		c.PasswordHash = ""
		c.PasswordHashVersion = 0
		return nil
	})
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	a.audit.Record(ctx, audit.Record{Actor: userID, Action: audit.ActionPasswordRemoved, Status: status})
	return err
}

// NewCurrentHash hashes proof for a newly created account.
func (a *Authenticator) NewCurrentHash(proof string) (CurrentHash, error) {
	return a.hasher.Hash(proof)
}
