// Package storage is the key-value layer under the wallet keystore. Every
// wallet lives under its own key prefix; the backend is Badger on disk and
// a map in tests.
package storage

import "errors"

// ErrNotFound is returned by Get for a key that was never written or has
// been deleted.
var ErrNotFound = errors.New("key not found")

// Reader is the read half of a DB.
type Reader interface {
	// Get returns a copy of the value stored under key.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// ForEach calls fn for every key beginning with prefix, in key order
	// for ordered backends. Both slices are copies. A non-nil error from
	// fn stops the walk and is returned.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// Writer is the write half of a DB. Deleting a missing key is not an error.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// DB is a key-value store.
type DB interface {
	Reader
	Writer
	Close() error
}

// Batch collects writes that Commit applies in one step. Nothing is
// visible to readers before Commit.
type Batch interface {
	Writer
	Commit() error
}

// Batcher is a DB that can apply batches atomically.
type Batcher interface {
	NewBatch() Batch
}
