package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/qiwallet/internal/log"
)

// BadgerDB is the on-disk DB. Badger holds an exclusive lock on its
// directory, so only one process can have a keystore open.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens or creates the database in dir.
func NewBadger(dir string) (*BadgerDB, error) {
	return openBadger(badger.DefaultOptions(dir), dir)
}

// NewBadgerInMemory opens a Badger instance that keeps nothing on disk.
func NewBadgerInMemory() (*BadgerDB, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), "memory")
}

func openBadger(opts badger.Options, where string) (*BadgerDB, error) {
	db, err := badger.Open(opts.WithLogger(badgerLogger{log.Storage}))
	switch {
	case err == nil:
		return &BadgerDB{db: db}, nil
	case isLockError(err):
		return nil, fmt.Errorf("keystore at %s is in use by another qiwallet process: %w", where, err)
	default:
		return nil, fmt.Errorf("open keystore at %s: %w", where, err)
	}
}

// Badger reports a held directory lock only through the error text.
func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot acquire directory lock") ||
		strings.Contains(msg, "resource temporarily unavailable")
}

func (b *BadgerDB) Get(key []byte) (val []byte, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			val, err = item.ValueCopy(nil)
		}
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, wrap("get", err)
}

func (b *BadgerDB) Has(key []byte) (found bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		found = err == nil
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, wrap("has", err)
}

func (b *BadgerDB) Put(key, value []byte) error {
	return wrap("put", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (b *BadgerDB) Delete(key []byte) error {
	return wrap("delete", b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

// ForEach walks prefix in key order inside a single read transaction, so
// fn sees a consistent snapshot. fn must not write to the database.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return wrap("iterate", err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerDB) Close() error {
	return wrap("close", b.db.Close())
}

// NewBatch returns a batch written through one Badger WriteBatch.
func (b *BadgerDB) NewBatch() Batch {
	return badgerBatch{b.db.NewWriteBatch()}
}

type badgerBatch struct{ *badger.WriteBatch }

func (bb badgerBatch) Put(key, value []byte) error { return bb.Set(key, value) }

func (bb badgerBatch) Commit() error { return wrap("commit batch", bb.Flush()) }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("badger %s: %w", op, err)
}

// badgerLogger routes Badger's own logging into the storage logger, one
// level down for info chatter.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.emit(b.l.Error(), f, v) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.emit(b.l.Warn(), f, v) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.emit(b.l.Debug(), f, v) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.emit(b.l.Trace(), f, v) }

func (badgerLogger) emit(e *zerolog.Event, f string, v []interface{}) {
	e.Msgf(strings.TrimSpace(f), v...)
}
