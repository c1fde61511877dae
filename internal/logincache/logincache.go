// Package logincache implements the Login Cache: a short-TTL cache of
// already-issued bearer tokens per principal, so that repeated logins within
// the TTL window reuse a token instead of minting a fresh one on every call
// (spec.md §4.3).
package logincache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached issuance result.
type Entry struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer mints a fresh token for a principal. It is invoked at most once per
// principal concurrently, regardless of how many callers ask for that
// principal's token at the same instant.
type Issuer func(principal string) (Entry, error)

// Cache serves cached token issuances with the exclusion spec.md §4.3
// requires: concurrent GetOrIssue calls for the same principal during a
// cache miss invoke the issuer exactly once. singleflight.Group provides
// the "per-principal guard" the spec allows as an alternative to a lock
// held for the issuer's duration.
type Cache struct {
	entries *lru.LRU[string, Entry]
	group   singleflight.Group
}

// New constructs a Login Cache with the given TTL. maxEntries bounds the
// backing LRU's capacity; pass 0 for the spec's documented "unbounded but
// periodically swept of expired entries" behavior (the hashicorp expirable
// LRU treats a non-positive size as no capacity limit, relying solely on its
// TTL-driven sweep to reclaim space). A positive maxEntries is accepted for
// deployments that want a hard memory ceiling instead.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries: lru.NewLRU[string, Entry](maxEntries, nil, ttl),
	}
}

// GetOrIssue returns a cached, still-valid token for principal, issuing a
// fresh one via issue if none is cached or the cached one has expired.
func (c *Cache) GetOrIssue(principal string, issue Issuer) (Entry, error) {
	if entry, ok := c.entries.Get(principal); ok {
		return entry, nil
	}

	result, err, _ := c.group.Do(principal, func() (any, error) {
		if entry, ok := c.entries.Get(principal); ok {
			return entry, nil
		}
		entry, err := issue(principal)
		if err != nil {
			return Entry{}, err
		}
		c.entries.Add(principal, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result.(Entry), nil
}

// Lookup reports whether principal currently has a live cached entry,
// without triggering issuance on a miss. Intended for cache-hit/miss
// metrics at the call site; GetOrIssue remains the source of truth for
// actually serving a token.
func (c *Cache) Lookup(principal string) (Entry, bool) {
	return c.entries.Get(principal)
}

// Invalidate drops any cached entry for principal, forcing the next
// GetOrIssue to mint fresh (used when an operator disables an account).
func (c *Cache) Invalidate(principal string) {
	c.entries.Remove(principal)
}

// Len reports the number of principals currently cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}
