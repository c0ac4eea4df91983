// Package cache stores serialized responses under string keys.
package cache

import "time"

// Provider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// and keeps track of expiration times of cache entries.
// Keys share origin-specific prefixes so that many origins can be stored in the same cache.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the entry for the given key, if it exists.
	// If the entry has expired, the boolean is false and the entry is purged.
	Get(key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(Entry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Keys calls the given callback for each unexpired key with the given prefix.
	// It uses a callback so that very large lists of keys can be processed.
	Keys(prefix string, cb func(string)) error
	Close() error
}

type Entry struct {
	Key string
	// Zero means the entry does not expire.
	Expires  time.Time
	StoredAt time.Time
	Bytes    []byte
}

func (e Entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
