package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/audit/audittest"
	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/password"
	"github.com/jmcleod/lockbox/storage/memory"
	"github.com/jmcleod/lockbox/token"
)

type acceptingProvider struct{ *webauthn.WebAuthn }

func (acceptingProvider) CreateCredential(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return &webauthn.Credential{ID: []byte("enrolled")}, nil
}

func (acceptingProvider) ValidateLogin(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	return &webauthn.Credential{}, nil
}

type stubParser struct{ assertion *protocol.ParsedCredentialAssertionData }

func (stubParser) ParseCredentialCreationResponseBytes([]byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (p *stubParser) ParseCredentialRequestResponseBytes([]byte) (*protocol.ParsedCredentialAssertionData, error) {
	if p.assertion == nil {
		return nil, errors.New("no assertion")
	}
	return p.assertion, nil
}

type fixture struct {
	store  *account.RepositoryStore
	sink   *audittest.Sink
	codec  *token.Codec
	parser *stubParser
	svc    *Service
	guard  *guard.Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := util.RandomBytes(util.KeySize)
	require.NoError(t, err)
	store, err := account.NewRepositoryStore(memory.NewRepository(), key)
	require.NoError(t, err)
	hasher, err := password.NewHasher(password.Params{Time: 1, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	codec, err := token.NewCodec(bytes.Repeat([]byte{7}, 32), token.Config{})
	require.NoError(t, err)
	w, err := ceremony.NewWebAuthn(ceremony.RelyingParty{ID: "localhost", DisplayName: "Lockbox", Origins: []string{"https://localhost"}})
	require.NoError(t, err)

	sink, recorder := audittest.NewRecorder()
	parser := &stubParser{}
	cer := ceremony.New(store, acceptingProvider{w}, codec, recorder, ceremony.Config{}, ceremony.WithParser(parser))
	return &fixture{
		store:  store,
		sink:   sink,
		codec:  codec,
		parser: parser,
		svc:    NewService(store, password.NewAuthenticator(store, hasher, recorder, nil), cer, codec, recorder),
		guard:  guard.New(store, codec, guard.WithCache(token.NewLRUCache(16, 0))),
	}
}

func (f *fixture) authorize(t *testing.T, tok string) (*guard.Principal, error) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	return f.guard.Authorize(r)
}

func countAction(recs []audit.Record, action audit.Action, status audit.Status) int {
	n := 0
	for _, r := range recs {
		if r.Action == action && r.Status == status {
			n++
		}
	}
	return n
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Register(ctx, " Mia@Example.com ", "", "Secret-Proof")
	require.NoError(t, err)
	assert.Equal(t, "mia@example.com", c.Email)
	assert.Equal(t, "mia", c.Username)
	assert.Equal(t, account.HashVersionCurrent, c.PasswordHashVersion)
	assert.Equal(t, 1, countAction(f.sink.Records(), audit.ActionRegistration, audit.StatusSuccess))

	_, err = f.svc.Register(ctx, "MIA@example.com", "other", "x")
	assert.ErrorIs(t, err, ErrEmailTaken)
	_, err = f.svc.Register(ctx, "not-an-email", "", "x")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = f.svc.Register(ctx, "ned@example.com", "", "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
	assert.Equal(t, 3, countAction(f.sink.Records(), audit.ActionRegistration, audit.StatusFailure))
}

func TestLogin_WithoutPasskeysIssuesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Register(ctx, "olga@example.com", "olga", "proof")
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "olga@example.com", "PROOF", "")
	require.NoError(t, err)
	assert.False(t, res.StepUpRequired())
	require.NotEmpty(t, res.Token)

	p, err := f.authorize(t, res.Token)
	require.NoError(t, err)
	assert.Equal(t, c.ID, p.UserID)

	_, err = f.svc.Login(ctx, "olga@example.com", "wrong", "")
	assert.ErrorIs(t, err, password.ErrInvalidCredentials)
}

// A legacy-hash account migrates on first login and keeps working after.
func TestLogin_LegacyAccountMigrates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy, err := password.LegacyHashFor("old-secret", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, &account.Credential{
		ID: "alice", Email: "alice@example.com", Username: "alice",
		PasswordHash: legacy.Encoded(), PasswordHashVersion: account.HashVersionLegacy,
	}))

	res, err := f.svc.Login(ctx, "alice@example.com", "new-proof", "old-secret")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)

	c, err := f.store.FindByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, account.HashVersionCurrent, c.PasswordHashVersion)

	res, err = f.svc.Login(ctx, "alice@example.com", "new-proof", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

// Password success with two passkeys withholds the session until the
// passkey ceremony finishes.
func TestLogin_TwoPasskeysRequiresStepUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Register(ctx, "pat@example.com", "pat", "proof")
	require.NoError(t, err)
	_, err = f.store.Update(ctx, c.ID, func(cur *account.Credential) error {
		cur.Passkeys = []account.PublicKeyCredential{
			{ID: []byte("key-1"), PublicKey: []byte("pk1"), SignatureCounter: 5},
			{ID: []byte("key-2"), PublicKey: []byte("pk2"), SignatureCounter: 9},
		}
		return nil
	})
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "pat@example.com", "proof", "")
	require.NoError(t, err)
	require.True(t, res.StepUpRequired())
	assert.Empty(t, res.Token)
	assert.Len(t, res.StepUp.Response.AllowedCredentials, 2)

	f.parser.assertion = &protocol.ParsedCredentialAssertionData{}
	f.parser.assertion.RawID = []byte("key-2")
	f.parser.assertion.Response.AuthenticatorData.Counter = 10

	done, err := f.svc.FinishPasskeyLogin(ctx, "pat@example.com", []byte("{}"))
	require.NoError(t, err)
	require.NotEmpty(t, done.Token)

	p, err := f.authorize(t, done.Token)
	require.NoError(t, err)
	assert.Equal(t, c.ID, p.UserID)

	stored, err := f.store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), stored.Passkeys[1].SignatureCounter)
	assert.Nil(t, stored.PendingChallenge)
}

// A passkey alone never yields a session for an account that still has a
// password: the passwordless entry hands out decoy options and stores no
// challenge, so there is nothing for a finish to complete.
func TestBeginPasskeyLogin_PasswordAccountNeedsPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Register(ctx, "sam@example.com", "sam", "proof")
	require.NoError(t, err)
	_, err = f.store.Update(ctx, c.ID, func(cur *account.Credential) error {
		cur.Passkeys = []account.PublicKeyCredential{{ID: []byte("key-a"), PublicKey: []byte("pk"), SignatureCounter: 1}}
		return nil
	})
	require.NoError(t, err)

	assertion, err := f.svc.BeginPasskeyLogin(ctx, "sam@example.com")
	require.NoError(t, err)
	require.Len(t, assertion.Response.AllowedCredentials, 1)
	assert.NotEqual(t, []byte("key-a"), []byte(assertion.Response.AllowedCredentials[0].CredentialID))

	stored, err := f.store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PendingChallenge)

	f.parser.assertion = &protocol.ParsedCredentialAssertionData{}
	f.parser.assertion.RawID = []byte("key-a")
	f.parser.assertion.Response.AuthenticatorData.Counter = 2
	_, err = f.svc.FinishPasskeyLogin(ctx, "sam@example.com", []byte("{}"))
	assert.ErrorIs(t, err, ceremony.ErrChallengeMissing)

	// With the password the same passkey completes the login.
	res, err := f.svc.Login(ctx, "sam@example.com", "proof", "")
	require.NoError(t, err)
	require.True(t, res.StepUpRequired())
	done, err := f.svc.FinishPasskeyLogin(ctx, "sam@example.com", []byte("{}"))
	require.NoError(t, err)
	assert.NotEmpty(t, done.Token)
}

func TestBeginPasskeyLogin_UniformForUnknownAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "tess@example.com", "tess", "proof")
	require.NoError(t, err)

	known, err := f.svc.BeginPasskeyLogin(ctx, "tess@example.com")
	require.NoError(t, err)
	unknown, err := f.svc.BeginPasskeyLogin(ctx, "nobody@example.com")
	require.NoError(t, err)
	again, err := f.svc.BeginPasskeyLogin(ctx, " Nobody@Example.com ")
	require.NoError(t, err)

	require.Len(t, known.Response.AllowedCredentials, 1)
	require.Len(t, unknown.Response.AllowedCredentials, 1)
	assert.Equal(t, unknown.Response.AllowedCredentials[0].CredentialID, again.Response.AllowedCredentials[0].CredentialID,
		"decoy credential is stable per email")
	assert.NotEqual(t, known.Response.AllowedCredentials[0].CredentialID, unknown.Response.AllowedCredentials[0].CredentialID)
	assert.NotEqual(t, unknown.Response.Challenge.String(), again.Response.Challenge.String())
}

func TestRevokeSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "quinn@example.com", "quinn", "proof")
	require.NoError(t, err)
	res, err := f.svc.Login(ctx, "quinn@example.com", "proof", "")
	require.NoError(t, err)

	p, err := f.authorize(t, res.Token)
	require.NoError(t, err)
	require.NoError(t, f.svc.RevokeSessions(ctx, p.UserID))

	_, err = f.authorize(t, res.Token)
	assert.ErrorIs(t, err, guard.ErrUnauthorized)

	res, err = f.svc.Login(ctx, "quinn@example.com", "proof", "")
	require.NoError(t, err)
	_, err = f.authorize(t, res.Token)
	assert.NoError(t, err, "sessions issued after revocation are accepted")
}

func TestPasswordManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Register(ctx, "rae@example.com", "rae", "proof")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.RemovePassword(ctx, c.ID), password.ErrPasskeyRequired)
	assert.ErrorIs(t, f.svc.SetPassword(ctx, c.ID, ""), ErrPasswordRequired)
	require.NoError(t, f.svc.SetPassword(ctx, c.ID, "next"))

	_, err = f.svc.Login(ctx, "rae@example.com", "proof", "")
	assert.ErrorIs(t, err, password.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "rae@example.com", "next", "")
	assert.NoError(t, err)
}
