package token

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/lockbox/internal/util"
)

func testSecret() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret(), Config{}, opts...)
	require.NoError(t, err)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	tok, issued, err := c.Issue("u1", "alice", 3)
	require.NoError(t, err)
	assert.NotContains(t, tok, "alice", "claims must not be readable from the token")

	got, err := c.Resolve(tok)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, uint32(3), got.TokenVersion)
	assert.WithinDuration(t, got.IssuedAt.Add(DefaultTTL), got.ExpiresAt, time.Second)
}

func TestCodec_TokensAreNonDeterministic(t *testing.T) {
	c := newTestCodec(t)
	fixed := time.Now()
	c.now = func() time.Time { return fixed }

	a, ca, err := c.Issue("u1", "alice", 0)
	require.NoError(t, err)
	b, cb, err := c.Issue("u1", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, ca, cb, "identical claims")
	assert.NotEqual(t, a, b, "distinct ciphertexts")
}

func TestCodec_AnyBitFlipIsRejected(t *testing.T) {
	c := newTestCodec(t)
	tok, _, err := c.Issue("u1", "alice", 0)
	require.NoError(t, err)

	raw := []byte(tok)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 1 << bit
			_, err := c.Resolve(string(mutated))
			require.ErrorIs(t, err, ErrRejected, "byte %d bit %d", i, bit)
		}
	}
}

func TestCodec_Rejections(t *testing.T) {
	c := newTestCodec(t)
	tok, _, err := c.Issue("u1", "alice", 0)
	require.NoError(t, err)

	t.Run("Garbage", func(t *testing.T) {
		for _, in := range []string{"", "not-a-token", "!!!", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
			_, err := c.Resolve(in)
			assert.ErrorIs(t, err, ErrRejected, "input %q", in)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := c.Resolve(tok[:len(tok)-4])
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("OtherSecret", func(t *testing.T) {
		other, err := NewCodec(bytes.Repeat([]byte{0x43}, 32), Config{})
		require.NoError(t, err)
		_, err = other.Resolve(tok)
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("Expired", func(t *testing.T) {
		issuedAt := time.Now().Add(-2 * time.Hour)
		short, err := NewCodec(testSecret(), Config{TTL: time.Hour}, WithClock(func() time.Time { return issuedAt }))
		require.NoError(t, err)
		old, _, err := short.Issue("u1", "alice", 0)
		require.NoError(t, err)

		short.now = time.Now
		_, err = short.Resolve(old)
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("WithinLeeway", func(t *testing.T) {
		issuedAt := time.Now().Add(-time.Hour - 10*time.Second)
		short, err := NewCodec(testSecret(), Config{TTL: time.Hour, Leeway: 30 * time.Second}, WithClock(func() time.Time { return issuedAt }))
		require.NoError(t, err)
		old, _, err := short.Issue("u1", "alice", 0)
		require.NoError(t, err)

		short.now = time.Now
		_, err = short.Resolve(old)
		assert.NoError(t, err)
	})
}

// sealWithCodecKey encrypts an arbitrary payload the way Issue does, so the
// inner JWT checks can be exercised on their own.
func sealWithCodecKey(t *testing.T, c *Codec, payload string) string {
	t.Helper()
	buf, err := c.encKey.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	sealed, err := util.Seal(buf.Bytes(), []byte(payload), []byte(encryptionAAD))
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

func TestCodec_InnerTokenChecks(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()
	base := jwtClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}

	t.Run("UnsignedAlgNone", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, base).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = c.Resolve(sealWithCodecKey(t, c, unsigned))
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		claims := base
		claims.Issuer = "someone-else"
		key, _ := c.keyFunc(nil)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		_, err = c.Resolve(sealWithCodecKey(t, c, signed))
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("MissingExpiry", func(t *testing.T) {
		claims := base
		claims.ExpiresAt = nil
		key, _ := c.keyFunc(nil)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		_, err = c.Resolve(sealWithCodecKey(t, c, signed))
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("MissingUser", func(t *testing.T) {
		claims := base
		claims.UserID = ""
		key, _ := c.keyFunc(nil)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		_, err = c.Resolve(sealWithCodecKey(t, c, signed))
		assert.ErrorIs(t, err, ErrRejected)
	})
}

func TestNewCodec_ShortSecret(t *testing.T) {
	_, err := NewCodec([]byte("too short"), Config{})
	assert.Error(t, err)
}
