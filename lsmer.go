// Package lsmer is an embedded key-value store based on LSM-tree
// architecture.
//
// lsmer is optimized for high write throughput and efficient disk
// usage. It uses an in-memory memtable for fast writes, a write-ahead
// log for crash durability, and periodically flushes data to immutable,
// Bloom-filtered SSTable files merged in the background by a
// size-tiered compactor.
//
// Example usage:
//
//	db, err := lsmer.Open("/path/to/database", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Put([]byte("key"), []byte("value"))
//	if err != nil {
//		log.Printf("Put failed: %v", err)
//	}
//
//	value, err := db.Get([]byte("key"))
//	if err == nil {
//		fmt.Printf("Value: %s\n", string(value))
//	}
//
//	err = db.Delete([]byte("key"))
//	if err != nil {
//		log.Printf("Delete failed: %v", err)
//	}
package lsmer

import (
	"github.com/grabcocque/lsmer/internal/config"
	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/lsm"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// DefaultConfig returns a Config struct populated with default values.
// Re-exported for user convenience.
var DefaultConfig = config.DefaultConfig

// Durability selects how aggressively Put/Delete push a write to stable
// storage before returning. Re-exported for user convenience.
type Durability = config.Durability

const (
	DurabilityNone  = config.DurabilityNone
	DurabilityFlush = config.DurabilityFlush
	DurabilitySync  = config.DurabilitySync
)

// ErrNotFound is returned by Get when no live record exists for a key.
var ErrNotFound = lsmerrors.ErrNotFound

// DB represents a thread-safe lsmer instance. It provides methods for
// storing, retrieving, ranging over, and deleting key-value pairs, plus
// configuration options for tuning performance and durability.
type DB struct {
	coordinator *lsm.DB
}

// Open opens or creates an lsmer database at the specified path.
//
// The directory is created if it doesn't exist. If the database
// exists, its SSTables and write-ahead log are validated and replayed.
//
// Returns a DB instance or an error if the database can't be opened.
func Open(path string, cfg *config.Config) (*DB, error) {
	coordinator, err := lsm.Open(diskmanager.NewDiskManager(), path, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{coordinator: coordinator}, nil
}

// Put writes a key-value pair to the database with the configured
// default durability. Overwrites the value if the key already exists.
func (db *DB) Put(key, value []byte) error {
	return db.coordinator.Put(key, value, db.defaultDurability())
}

// PutWithDurability writes a key-value pair, pushed to stable storage
// at the given durability level regardless of the configured default.
func (db *DB) PutWithDurability(key, value []byte, durability Durability) error {
	return db.coordinator.Put(key, value, durability)
}

// Get retrieves the value for a given key. It returns ErrNotFound if
// the key doesn't exist or its newest record is a delete.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.coordinator.Get(key)
}

// Delete removes the key and its value from the database, with the
// configured default durability.
func (db *DB) Delete(key []byte) error {
	return db.coordinator.Delete(key, db.defaultDurability())
}

// DeleteWithDurability removes a key at the given durability level
// regardless of the configured default.
func (db *DB) DeleteWithDurability(key []byte, durability Durability) error {
	return db.coordinator.Delete(key, durability)
}

// Iterator yields live key/value pairs in ascending key order.
type Iterator = lsm.Iterator

// Range returns an iterator over every live key in [lo, hi). A nil hi
// means unbounded.
func (db *DB) Range(lo, hi []byte) (*Iterator, error) {
	return db.coordinator.Range(lo, hi)
}

// Flush forces every buffered write into a new SSTable, returning once
// it is durable on disk.
func (db *DB) Flush() error {
	return db.coordinator.Flush()
}

// Close gracefully shuts down the database, ensuring all data is
// persisted. This method flushes any remaining memtable data to disk,
// stops background compaction, and closes all open files. After
// calling Close, the database should not be used for any operations.
//
// It's recommended to call Close when you're done with the database,
// typically using defer:
//
//	db, err := lsmer.Open("/path/to/database", nil)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
func (db *DB) Close() error {
	return db.coordinator.Close()
}

func (db *DB) defaultDurability() Durability {
	return db.coordinator.Config().WALDefaultDurability
}
