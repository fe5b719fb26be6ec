package guard

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/storage/memory"
	"github.com/jmcleod/lockbox/token"
)

type countingResolver struct {
	codec *token.Codec
	calls atomic.Int32
}

func (r *countingResolver) Resolve(tok string) (token.Claims, error) {
	r.calls.Add(1)
	return r.codec.Resolve(tok)
}

type env struct {
	store    *account.RepositoryStore
	codec    *token.Codec
	resolver *countingResolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := util.RandomBytes(util.KeySize)
	require.NoError(t, err)
	store, err := account.NewRepositoryStore(memory.NewRepository(), key)
	require.NoError(t, err)
	codec, err := token.NewCodec(bytes.Repeat([]byte{9}, 32), token.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), &account.Credential{ID: "u1", Email: "alice@example.com", Username: "alice"}))
	return &env{store: store, codec: codec, resolver: &countingResolver{codec: codec}}
}

func (e *env) issue(t *testing.T, userID string, version uint32) string {
	t.Helper()
	tok, _, err := e.codec.Issue(userID, "alice", version)
	require.NoError(t, err)
	return tok
}

func bearer(tok string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func cookie(tok string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tok})
	return r
}

func TestTokenFromRequest(t *testing.T) {
	assert.Equal(t, "", TokenFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)))
	assert.Equal(t, "abc", TokenFromRequest(bearer("abc")))
	assert.Equal(t, "abc", TokenFromRequest(cookie("abc")))

	both := cookie("from-cookie")
	both.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-cookie", TokenFromRequest(both), "cookie wins")

	basic := httptest.NewRequest(http.MethodGet, "/", nil)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", TokenFromRequest(basic))

	lower := httptest.NewRequest(http.MethodGet, "/", nil)
	lower.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(lower))
}

func TestAuthorize_NoToken(t *testing.T) {
	e := newEnv(t)
	g := New(e.store, e.resolver)
	_, err := g.Authorize(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize_ValidToken(t *testing.T) {
	e := newEnv(t)
	g := New(e.store, e.resolver, WithCache(token.NewLRUCache(10, 0)))
	tok := e.issue(t, "u1", 0)

	for _, r := range []*http.Request{cookie(tok), bearer(tok)} {
		p, err := g.Authorize(r)
		require.NoError(t, err)
		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, "alice", p.Username)
		assert.Equal(t, "alice@example.com", p.Email)
	}
	assert.Equal(t, int32(1), e.resolver.calls.Load(), "second request is served from the cache")
}

func TestAuthorize_RejectedToken(t *testing.T) {
	e := newEnv(t)
	g := New(e.store, e.resolver)
	_, err := g.Authorize(bearer("definitely-not-a-token"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize_CacheHitStillChecksUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	g := New(e.store, e.resolver, WithCache(token.NewLRUCache(10, 0)))
	tok := e.issue(t, "u1", 0)

	_, err := g.Authorize(bearer(tok))
	require.NoError(t, err)

	require.NoError(t, e.store.Delete(ctx, "u1"))
	_, err = g.Authorize(bearer(tok))
	assert.ErrorIs(t, err, ErrUserVanished)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), e.resolver.calls.Load())
}

func TestAuthorize_TokenVersionBump(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	g := New(e.store, e.resolver, WithCache(token.NewLRUCache(10, 0)))
	tok := e.issue(t, "u1", 0)

	_, err := g.Authorize(bearer(tok))
	require.NoError(t, err)

	_, err = e.store.Update(ctx, "u1", func(c *account.Credential) error {
		c.TokenVersion++
		return nil
	})
	require.NoError(t, err)

	_, err = g.Authorize(bearer(tok))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = g.Authorize(bearer(e.issue(t, "u1", 1)))
	assert.NoError(t, err)
}

// Every decision must be the same with and without the cache.
func TestAuthorize_CacheDoesNotChangeDecisions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.Create(ctx, &account.Credential{ID: "u2", Email: "bob@example.com"}))

	valid := e.issue(t, "u1", 0)
	ghost := e.issue(t, "u-ghost", 0)
	doomed := e.issue(t, "u2", 0)
	tampered := valid[:len(valid)-2] + "AA"

	cached := New(e.store, e.resolver, WithCache(token.NewLRUCache(10, 0)))
	uncached := New(e.store, e.resolver)

	decide := func(g *Guard, tok string) error {
		_, err := g.Authorize(bearer(tok))
		return err
	}

	for round := 0; round < 2; round++ {
		if round == 1 {
			require.NoError(t, e.store.Delete(ctx, "u2"))
		}
		for _, tok := range []string{valid, ghost, doomed, tampered, ""} {
			a := decide(cached, tok)
			b := decide(uncached, tok)
			assert.Equal(t, a == nil, b == nil, "round %d token %.12q: cached=%v uncached=%v", round, tok, a, b)
			assert.Equal(t, errors.Is(a, ErrUnauthorized), errors.Is(b, ErrUnauthorized))
		}
	}
}

type brokenStore struct{ account.Store }

func (brokenStore) FindByID(context.Context, string) (*account.Credential, error) {
	return nil, errors.New("connection reset")
}

func TestAuthorize_StoreFailureIsNotUnauthorized(t *testing.T) {
	e := newEnv(t)
	g := New(brokenStore{}, e.resolver)
	_, err := g.Authorize(bearer(e.issue(t, "u1", 0)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	e := newEnv(t)
	g := New(e.store, e.resolver)

	var seen *Principal
	h := g.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bearer(e.issue(t, "u1", 0)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.UserID)
}
