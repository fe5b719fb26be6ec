package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LimitPolicy configures an attemptLimiter.
type LimitPolicy struct {
	// MaxFailures is the number of consecutive failures before lockout.
	MaxFailures int
	// BaseLockout doubles with every failure beyond MaxFailures.
	BaseLockout time.Duration
	MaxLockout  time.Duration
	// Expiry forgets a key this long after its last failure.
	Expiry time.Duration
}

var (
	// accountLimitPolicy throttles one email. Keys are hashed emails, never
	// raw addresses.
	accountLimitPolicy = LimitPolicy{MaxFailures: 5, BaseLockout: time.Minute, MaxLockout: 15 * time.Minute, Expiry: time.Hour}
	ipLimitPolicy      = LimitPolicy{MaxFailures: 20, BaseLockout: time.Minute, MaxLockout: 30 * time.Minute, Expiry: time.Hour}
	// registrationLimitPolicy counts every request: argon2id hashing is
	// expensive whatever the outcome.
	registrationLimitPolicy = LimitPolicy{MaxFailures: 5, BaseLockout: 5 * time.Minute, MaxLockout: time.Hour, Expiry: time.Hour}
)

// attemptLimiter tracks failures per key with exponential backoff.
type attemptLimiter struct {
	mu       sync.Mutex
	policy   LimitPolicy
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newAttemptLimiter(p LimitPolicy) *attemptLimiter {
	return &attemptLimiter{policy: p, attempts: make(map[string]*attemptRecord), now: time.Now}
}

// check reports whether key is locked out and for how long.
func (rl *attemptLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > rl.policy.Expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *attemptLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.policy.MaxFailures {
		lockout := rl.policy.BaseLockout
		for i := 0; i < rec.failures-rl.policy.MaxFailures; i++ {
			lockout *= 2
			if lockout > rl.policy.MaxLockout {
				lockout = rl.policy.MaxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *attemptLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep drops expired records.
func (rl *attemptLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for k, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.policy.Expiry {
			delete(rl.attempts, k)
		}
	}
}

// loginLimiter combines the per-account and per-IP limits applied to every
// credential-checking endpoint.
type loginLimiter struct {
	accounts *attemptLimiter
	ips      *attemptLimiter
}

func newLoginLimiter(account, ip LimitPolicy) *loginLimiter {
	return &loginLimiter{accounts: newAttemptLimiter(account), ips: newAttemptLimiter(ip)}
}

func (l *loginLimiter) check(accountKey, ip string) (bool, time.Duration) {
	if blocked, d := l.ips.check(ip); blocked {
		return true, d
	}
	return l.accounts.check(accountKey)
}

func (l *loginLimiter) failure(accountKey, ip string) {
	l.accounts.recordFailure(accountKey)
	l.ips.recordFailure(ip)
}

func (l *loginLimiter) success(accountKey, ip string) {
	l.accounts.recordSuccess(accountKey)
	l.ips.recordSuccess(ip)
}

func (l *loginLimiter) sweep() {
	l.accounts.sweep()
	l.ips.sweep()
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Client IP
// ---------------------------------------------------------------------------

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP. Proxy
// headers are honored only when RemoteAddr is inside trustedProxies; with no
// trusted proxies RemoteAddr is always used.
//
// Priority when proxy headers are trusted: first valid X-Forwarded-For
// entry, then the first Forwarded for= value, then X-Real-IP, then
// RemoteAddr.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
