package store

import (
	"errors"
	"fmt"

	"github.com/luxfi/database"
)

// ErrReadOnly is returned when a write operation is attempted on a
// read-only transaction.
var ErrReadOnly = errors.New("store: write on read-only transaction")

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = database.ErrNotFound

// Tx is one atomic unit of work against a DB (spec.md §4.7: "begin_read,
// begin_write, commit, commit_and_then").
type Tx struct {
	db         *DB
	readOnly   bool
	done       bool
	overlay    map[string][]byte
	tombstones map[string]struct{}
}

// Get returns the value for key, checking the write overlay first so a
// transaction observes its own uncommitted writes.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if !tx.readOnly {
		if v, ok := tx.overlay[k]; ok {
			return v, nil
		}
		if _, ok := tx.tombstones[k]; ok {
			return nil, ErrNotFound
		}
	}
	return tx.db.backend.Get(key)
}

// Has reports whether key exists.
func (tx *Tx) Has(key []byte) (bool, error) {
	_, err := tx.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Put stages a write, visible to this transaction immediately and to
// others only after Commit.
func (tx *Tx) Put(key, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	tx.overlay[k] = append([]byte(nil), value...)
	delete(tx.tombstones, k)
	return nil
}

// Delete stages a deletion.
func (tx *Tx) Delete(key []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	delete(tx.overlay, k)
	tx.tombstones[k] = struct{}{}
	return nil
}

// Iterate applies fn to every key with the given prefix, honoring this
// transaction's uncommitted writes over the backend's committed state.
// Used by the GC/trash job (spec.md §4.1) to enumerate tables such as
// unreachable_blocks without a dedicated relational query layer.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	seen := make(map[string]struct{}, len(tx.overlay))
	if !tx.readOnly {
		for k, v := range tx.overlay {
			if hasPrefix(k, prefix) {
				seen[k] = struct{}{}
				if err := fn([]byte(k), v); err != nil {
					return err
				}
			}
		}
	}

	it := tx.db.backend.NewIteratorWithPrefix(prefix)
	defer it.Release()
	for it.Next() {
		k := string(it.Key())
		if _, ok := seen[k]; ok {
			continue
		}
		if !tx.readOnly {
			if _, tombstoned := tx.tombstones[k]; tombstoned {
				continue
			}
		}
		v := append([]byte(nil), it.Value()...)
		if err := fn(it.Key(), v); err != nil {
			return err
		}
	}
	return it.Error()
}

func hasPrefix(s string, prefix []byte) bool {
	if len(s) < len(prefix) {
		return false
	}
	return s[:len(prefix)] == string(prefix)
}

// Commit flushes a write transaction's overlay as one atomic
// database.Batch. Read-only transactions are simply released. Commit may
// only be called once per transaction.
func (tx *Tx) Commit() error {
	return tx.commit(nil)
}

// CommitAndThen commits, and — only if the commit succeeds — runs after
// synchronously before returning. This is the concrete mechanism behind
// spec.md §4.7's commit_and_then hook: cache invalidation and change
// notifications must run iff the write is durable, never before and never
// on a failed commit (spec.md §5's cache-coherence rule).
func (tx *Tx) CommitAndThen(after func()) error {
	return tx.commit(after)
}

func (tx *Tx) commit(after func()) error {
	if tx.done {
		return fmt.Errorf("store: transaction already closed")
	}
	tx.done = true

	if tx.readOnly {
		return nil
	}
	defer tx.db.writeMu.Unlock()

	batch := tx.db.backend.NewBatch()
	for k, v := range tx.overlay {
		if err := batch.Put([]byte(k), v); err != nil {
			return fmt.Errorf("store: stage put: %w", err)
		}
	}
	for k := range tx.tombstones {
		if err := batch.Delete([]byte(k)); err != nil {
			return fmt.Errorf("store: stage delete: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	if after != nil {
		after()
	}
	return nil
}

// Rollback abandons a write transaction without applying its overlay.
// Read-only transactions have nothing to roll back.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	if !tx.readOnly {
		tx.db.writeMu.Unlock()
	}
}
