// Package keyed is the cluster-wide keyed store abstraction the hub's core
// components share. Components depend only on the Store interface; the local
// implementation backs single-node deployments and tests, the raft-replicated
// implementation (internal/rft) backs multi-node clusters.
//
// Two usage patterns sit behind the one interface: large partitioned tables
// (category entries, change sets) and small fully-replicated hot tables
// (subscriptions, health markers). Key prefixes partition the tables; each
// table has exactly one writing component.
package keyed

import "time"

// Entry is one key/value pair returned by Drain.
type Entry struct {
	Key   string
	Value string
}

// Store is the shared keyed store. All values are strings (JSON-encoded
// records); a zero ttl means the key does not expire.
type Store interface {
	// Get returns the value for key or ErrKeyNotFound.
	Get(key string) (string, error)

	// Set writes key. A non-zero ttl schedules automatic expiry.
	Set(key string, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// CompareAndSwap writes next only if the current value equals expect.
	// An empty expect means "create only if absent". Returns false without
	// error when the current value did not match. A non-zero ttl schedules
	// expiry of the written value.
	CompareAndSwap(key string, expect string, next string, ttl time.Duration) (bool, error)

	// Iterate returns keys under prefix in lexical order, honoring
	// offset/limit (limit <= 0 means unlimited).
	Iterate(prefix string, offset int, limit int) ([]string, error)

	// Drain atomically removes and returns every entry under prefix. A
	// concurrent Set under the same prefix is either included in this
	// drain or left for the next one, never lost.
	Drain(prefix string) ([]Entry, error)

	Close() error
}

// Evictor is implemented by stores that can report TTL evictions. The
// category store uses it to notify consumers of passive expiry.
type Evictor interface {
	OnEvict(fn func(key string, value string))
}
