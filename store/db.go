// Package store layers atomic, rollback-capable transactions over the
// flat key-value contract the database backend this module assumes
// (github.com/luxfi/database) actually provides, per spec.md §4.7's
// "persistent key-value-like relational store with transactions". The
// underlying database.Database has no multi-statement transaction
// primitive of its own; store.Tx buffers writes in memory and flushes
// them as one atomic database.Batch on Commit, the versiondb pattern used
// elsewhere in the luxfi/avalanche ecosystem for the same mismatch.
package store

import (
	"sync"

	"github.com/luxfi/database"
)

// DB is the persistent store for one repository: one underlying
// database.Database plus the single-writer/many-reader discipline spec.md
// §5 requires ("the pool enforces single-writer / many-reader
// transactions").
type DB struct {
	backend database.Database

	// writeMu serializes write transactions; reads never block on it.
	// This is the Go realization of spec.md §5's single-writer rule.
	writeMu sync.Mutex
}

// New wraps backend as a DB.
func New(backend database.Database) *DB {
	return &DB{backend: backend}
}

// BeginRead opens a read-only transaction. It takes no lock and no
// snapshot: each read goes to the backend, so a write transaction that
// commits while this one is open is visible to its later reads.
func (db *DB) BeginRead() *Tx {
	return &Tx{db: db, readOnly: true}
}

// BeginWrite opens a write transaction. Only one write transaction may be
// open at a time per DB; BeginWrite blocks until any prior write
// transaction commits or is abandoned.
func (db *DB) BeginWrite() *Tx {
	db.writeMu.Lock()
	return &Tx{db: db, readOnly: false, overlay: make(map[string][]byte), tombstones: make(map[string]struct{})}
}

// Close closes the underlying backend.
func (db *DB) Close() error {
	return db.backend.Close()
}
