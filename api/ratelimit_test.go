package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = LimitPolicy{MaxFailures: 3, BaseLockout: time.Minute, MaxLockout: 4 * time.Minute, Expiry: time.Hour}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*attemptLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newAttemptLimiter(testPolicy)
	rl.now = clock.now
	return rl, clock
}

func TestAttemptLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for range testPolicy.MaxFailures - 1 {
		rl.recordFailure("acct-1")
		blocked, _ := rl.check("acct-1")
		assert.False(t, blocked)
	}
}

func TestAttemptLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()
	for range testPolicy.MaxFailures {
		rl.recordFailure("acct-1")
	}
	blocked, retryAfter := rl.check("acct-1")
	require.True(t, blocked)
	assert.Equal(t, time.Minute, retryAfter)

	clock.advance(time.Minute)
	blocked, _ = rl.check("acct-1")
	assert.False(t, blocked, "lockout ends")
}

func TestAttemptLimiter_ExponentialBackoffIsCapped(t *testing.T) {
	rl, _ := newTestLimiter()
	for range testPolicy.MaxFailures {
		rl.recordFailure("acct-1")
	}
	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for _, d := range want {
		rl.recordFailure("acct-1")
		_, retryAfter := rl.check("acct-1")
		assert.Equal(t, d, retryAfter)
	}
}

func TestAttemptLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter()
	for range testPolicy.MaxFailures {
		rl.recordFailure("acct-1")
	}
	rl.recordSuccess("acct-1")
	blocked, _ := rl.check("acct-1")
	assert.False(t, blocked)
}

func TestAttemptLimiter_IsolatesKeys(t *testing.T) {
	rl, _ := newTestLimiter()
	for range testPolicy.MaxFailures {
		rl.recordFailure("acct-1")
	}
	blocked, _ := rl.check("acct-2")
	assert.False(t, blocked)
}

func TestAttemptLimiter_ExpiryAndSweep(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("a")
	rl.recordFailure("b")
	clock.advance(30 * time.Minute)
	rl.recordFailure("b")

	clock.advance(31 * time.Minute)
	rl.sweep()
	rl.mu.Lock()
	_, hasA := rl.attempts["a"]
	_, hasB := rl.attempts["b"]
	rl.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestLoginLimiter_IPLockoutCoversEveryAccount(t *testing.T) {
	l := newLoginLimiter(LimitPolicy{MaxFailures: 100, BaseLockout: time.Minute, MaxLockout: time.Minute, Expiry: time.Hour}, testPolicy)
	for i := range testPolicy.MaxFailures {
		l.failure(string(rune('a'+i)), "203.0.113.5")
	}
	blocked, _ := l.check("fresh-account", "203.0.113.5")
	assert.True(t, blocked)
	blocked, _ = l.check("fresh-account", "203.0.113.6")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(10*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trusted    []netip.Prefix
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honors xff",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"},
			trusted:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "xff skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7"},
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`},
			trusted:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			trusted:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "spoofed headers from untrusted peer",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			trusted: trusted,
			want:    "203.0.113.99",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trusted))
		})
	}
}

func TestAPIExtractClientIP(t *testing.T) {
	a := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}}

	r := &http.Request{RemoteAddr: "10.0.0.1:80", Header: http.Header{"X-Forwarded-For": []string{"198.51.100.25"}}}
	assert.Equal(t, "198.51.100.25", a.extractClientIP(r))

	r.RemoteAddr = "10.0.0.2:80"
	assert.Equal(t, "10.0.0.2", a.extractClientIP(r), "10.0.0.2 is not in 10.0.0.1/32")
}
