package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	Path string
	// InMemory keeps everything in RAM; Path is ignored.
	InMemory bool
	// SyncWrites fsyncs every write. The ledger calls Sync at block
	// boundaries instead.
	SyncWrites bool
}

// BadgerDB implements DB using Badger.
type BadgerDB struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewBadger opens the Badger database at path.
func NewBadger(path string) (*BadgerDB, error) {
	return OpenBadger(BadgerOptions{Path: path})
}

// OpenBadger opens a Badger database with opts.
func OpenBadger(opts BadgerOptions) (*BadgerDB, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithSyncWrites(opts.SyncWrites)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("database at %s is locked by another process (is the node already running?): %w", opts.Path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", opts.Path, err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) view(op string, fn func(txn *badger.Txn) error) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.db.View(fn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("badger %s: %w", op, err)
	}
	return nil
}

func (b *BadgerDB) update(op string, fn func(txn *badger.Txn) error) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.db.Update(fn); err != nil {
		return fmt.Errorf("badger %s: %w", op, err)
	}
	return nil
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.view("get", func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put stores value at key.
func (b *BadgerDB) Put(key, value []byte) error {
	return b.update("put", func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (b *BadgerDB) Delete(key []byte) error {
	return b.update("delete", func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Has reports whether key exists.
func (b *BadgerDB) Has(key []byte) (bool, error) {
	var exists bool
	err := b.view("has", func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	return exists, err
}

// ForEach calls fn for every key under prefix, in key order, with copies of
// the key and value.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger read %q: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch returns an atomic write batch.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{db: b, wb: b.db.NewWriteBatch()}
}

// Sync flushes buffered writes to disk.
func (b *BadgerDB) Sync() error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("badger sync: %w", err)
	}
	return nil
}

// Close closes the database. Later calls, and every operation after it,
// return ErrClosed.
func (b *BadgerDB) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return b.db.Close()
}

type badgerBatch struct {
	db *BadgerDB
	wb *badger.WriteBatch
}

func (bb *badgerBatch) Put(key, value []byte) error {
	return bb.wb.Set(append([]byte{}, key...), append([]byte{}, value...))
}

func (bb *badgerBatch) Delete(key []byte) error {
	return bb.wb.Delete(append([]byte{}, key...))
}

func (bb *badgerBatch) Commit() error {
	if bb.db.closed.Load() {
		bb.wb.Cancel()
		return ErrClosed
	}
	if err := bb.wb.Flush(); err != nil {
		return fmt.Errorf("badger batch commit: %w", err)
	}
	return nil
}
