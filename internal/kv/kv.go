// Package kv defines the key-value storage contract shared by the gateway's
// credential, OAuth, rate-limit and access-control state. Implementations
// must honour per-key TTLs so expired secrets disappear without a separate
// revocation sweep.
package kv

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for common error conditions
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
)

// Store defines the interface for namespaced key-value storage with TTLs.
// A ttl of zero or less means the entry never expires.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the value for key, replacing any existing entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add writes the value for key only if no live entry exists, returning
	// ErrKeyExists otherwise. Used for create-only records such as
	// authorization codes.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take atomically reads and deletes the value for key, returning
	// ErrKeyNotFound if absent or expired. Used for single-use records such
	// as login state nonces.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Increment adds delta to the counter at key and returns the new value.
	// A missing or expired counter starts from zero, and ttl applies only
	// when the counter is created.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Key namespaces. Every record the gateway persists lives under one of these
// prefixes so a single store can back all components without collisions.
const (
	NamespaceState   = "state"   // login state nonces
	NamespaceCode    = "code"    // authorization codes
	NamespaceToken   = "token"   // access tokens by fingerprint
	NamespaceTokenID = "tokenid" // token ID to fingerprint index
	NamespaceRefresh = "refresh" // refresh tokens by fingerprint
	NamespaceClient  = "client"  // registered OAuth clients
	NamespaceSession = "session" // browser login sessions
	NamespaceACL     = "acl"     // access-control entries by user ID
	NamespaceRate    = "rl"      // rate-limit counters
)

// Key joins a namespace and an identifier into a store key.
func Key(namespace, id string) string {
	return namespace + ":" + id
}
