package token

import (
	"crypto/sha256"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 5 * time.Minute
)

// Entry is a cached resolution of one token. Entries are never mutated
// after insertion.
type Entry struct {
	UserID       string
	Username     string
	TokenVersion uint32
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// EntryFromClaims copies resolved claims into a cache entry.
func EntryFromClaims(c Claims) Entry {
	return Entry(c)
}

// Cache maps tokens to previously resolved claims. It only saves decrypt
// and verify work; callers still check the live user record.
type Cache interface {
	Get(token string) (Entry, bool)
	Put(token string, e Entry)
	Clear()
}

// NopCache never holds anything.
type NopCache struct{}

func (NopCache) Get(string) (Entry, bool) { return Entry{}, false }
func (NopCache) Put(string, Entry)        {}
func (NopCache) Clear()                   {}

type cached struct {
	entry    Entry
	storedAt time.Time
}

// LRUCache is a bounded least-recently-used cache whose entries also expire
// a fixed time after insertion. Keys are SHA-256 digests of the token so
// raw tokens are not retained.
type LRUCache struct {
	lru *lru.Cache[[sha256.Size]byte, cached]
	ttl time.Duration
	now func() time.Time
}

var _ Cache = (*LRUCache)(nil)

// NewLRUCache returns a cache holding at most size entries for at most ttl
// each. Non-positive arguments select the defaults.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	l, err := lru.New[[sha256.Size]byte, cached](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &LRUCache{lru: l, ttl: ttl, now: time.Now}
}

func (c *LRUCache) Get(token string) (Entry, bool) {
	key := sha256.Sum256([]byte(token))
	v, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(v.storedAt) > c.ttl {
		c.lru.Remove(key)
		return Entry{}, false
	}
	return v.entry, true
}

func (c *LRUCache) Put(token string, e Entry) {
	c.lru.Add(sha256.Sum256([]byte(token)), cached{entry: e, storedAt: c.now()})
}

func (c *LRUCache) Clear() {
	c.lru.Purge()
}

// Len reports the number of resident entries, expired or not.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
