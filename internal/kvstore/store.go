// Package kvstore defines the contract for the durable key-value store the
// ledger, timer and purchase components are built on. The store is the only
// shared mutable resource in the system; all read-then-write sequences go
// through AtomicWrite with a version check on every key they read.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by AtomicWrite when any check fails. It is
	// not a failure: the caller re-reads and retries.
	ErrConflict = errors.New("atomic write conflict")
)

// VersionAbsent in a Check asserts that the key must not exist.
const VersionAbsent int64 = 0

// Entry is a stored key-value pair with its version token. Versions are
// per-key and strictly increasing across writes.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Check asserts the current version of a key inside AtomicWrite.
type Check struct {
	Key     string
	Version int64
}

// Set writes a value under a key inside AtomicWrite.
type Set struct {
	Key   string
	Value []byte
}

// Store is the durable store adapter. Implementations must make AtomicWrite
// all-or-nothing: either every check passes and every set/delete is applied,
// or nothing is and ErrConflict is returned.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// AtomicWrite applies sets and deletes if all checks hold.
	AtomicWrite(ctx context.Context, checks []Check, sets []Set, deletes []string) error

	// Scan returns all entries whose key starts with prefix, in ascending
	// key order. The result is a finite snapshot, restartable per call.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the backend. Safe to call once during shutdown.
	Close(ctx context.Context) error
}
