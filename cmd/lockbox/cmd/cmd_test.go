package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/config"
	"github.com/jmcleod/lockbox/password"
)

const (
	testStorageKey  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testTokenSecret = "1f1e1d1c1b1a191817161514131211100f0e0d0c0b0a09080706050403020100"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	t.Setenv("LOCKBOX_STORAGE_KEY", testStorageKey)
	t.Setenv("LOCKBOX_TOKEN_SECRET", testTokenSecret)
	t.Setenv("LOCKBOX_STORAGE_BACKEND", backend)
	t.Setenv("LOCKBOX_STORAGE_DATA_DIR", t.TempDir())
	t.Setenv("LOCKBOX_PASSWORD_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("LOCKBOX_PASSWORD_ARGON2_PARALLELISM", "1")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApp_ServesHealthAndAPI(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	a, err := newApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/auth/register", "application/json",
		strings.NewReader(`{"email":"kim@example.com","password":"pw"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	c, err := a.store.FindByEmail(context.Background(), "kim@example.com")
	require.NoError(t, err)
	assert.Equal(t, account.HashVersionCurrent, c.PasswordHashVersion)
}

func TestOpenStore_BoltPersists(t *testing.T) {
	cfg := testConfig(t, config.BackendBolt)
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, discardLogger())
	require.NoError(t, err)
	c, err := newUserCredential("Lee@Example.com", "", "pw", false, cfg.PasswordParams(), bcrypt.MinCost, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, c))
	require.NoError(t, closeStore())

	store, closeStore, err = openStore(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer closeStore()
	got, err := store.FindByEmail(ctx, "lee@example.com")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestNewUserCredential(t *testing.T) {
	params := password.Params{Time: 1, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("current", func(t *testing.T) {
		c, err := newUserCredential("Max@Example.com", "", "pw", false, params, bcrypt.MinCost, now)
		require.NoError(t, err)
		assert.Equal(t, "max@example.com", c.Email)
		assert.Equal(t, "max", c.Username)
		assert.Equal(t, account.HashVersionCurrent, c.PasswordHashVersion)
		assert.True(t, strings.HasPrefix(c.PasswordHash, "$argon2id$"))
	})
	t.Run("legacy", func(t *testing.T) {
		c, err := newUserCredential("nia@example.com", "Nia", "pw", true, params, bcrypt.MinCost, now)
		require.NoError(t, err)
		assert.Equal(t, "Nia", c.Username)
		assert.Equal(t, account.HashVersionLegacy, c.PasswordHashVersion)

		h, err := password.FromCredential(c)
		require.NoError(t, err)
		ok, err := h.Verify("pw")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := newUserCredential("nope", "", "pw", false, params, bcrypt.MinCost, now)
		assert.Error(t, err)
		_, err = newUserCredential("ok@example.com", "", "", false, params, bcrypt.MinCost, now)
		assert.Error(t, err)
	})
}

func TestPrintUsers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printUsers(&buf, []*account.Credential{
		{ID: "u1", Email: "a@example.com", Username: "a", PasswordHash: "x", PasswordHashVersion: account.HashVersionLegacy},
		{ID: "u2", Email: "b@example.com", Username: "b", Passkeys: make([]account.PublicKeyCredential, 2)},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "legacy")
	assert.Contains(t, lines[2], "none")
	assert.Contains(t, lines[2], "2")
}

func TestKeygen(t *testing.T) {
	var buf bytes.Buffer
	keygenCmd.SetOut(&buf)
	require.NoError(t, keygenCmd.RunE(keygenCmd, nil))

	out := buf.String()
	assert.Contains(t, out, "LOCKBOX_STORAGE_KEY=")
	assert.Contains(t, out, "LOCKBOX_TOKEN_SECRET=")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		_, v, _ := strings.Cut(line, "=")
		assert.Len(t, v, 64)
	}
}
