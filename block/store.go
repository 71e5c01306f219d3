// Package block implements the flat, content-addressed store of encrypted
// block ciphertexts (SPEC_FULL.md §4's block/storage concern). It knows
// nothing about locators, branches, or the index — those are the index
// package's job; block only ever sees a BlockId and a ciphertext+nonce.
package block

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/internal/codec"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// ErrNotFound is returned when a block id has no stored ciphertext.
var ErrNotFound = errors.New("block: not found")

// record is what's actually persisted under a BlockKey: the ciphertext
// together with the nonce it was sealed under, since AEAD decryption needs
// both (SPEC_FULL.md §4.7/§6).
type record struct {
	Nonce      crypto.BlockNonce
	Ciphertext []byte
}

// Store is the flat block store shared by every branch of one repository.
// Like index.Store, it is stateless — every call takes the *store.Tx it
// runs under.
type Store struct {
	codec codec.Codec
}

// New returns a Store using the package-default JSON codec.
func New() *Store {
	return &Store{codec: codec.Default}
}

// Write stores the ciphertext and nonce for id, overwriting any prior
// content at the same id (content-addressed: a collision means identical
// ciphertext, so overwriting is a no-op in practice).
func (s *Store) Write(tx *store.Tx, id protocol.BlockId, nonce crypto.BlockNonce, ciphertext []byte) error {
	raw, err := s.codec.Marshal(codec.CurrentVersion, record{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return fmt.Errorf("block: encode: %w", err)
	}
	return tx.Put(store.BlockKey(id), raw)
}

// Read returns the ciphertext and nonce stored for id.
func (s *Store) Read(tx *store.Tx, id protocol.BlockId) (crypto.BlockNonce, []byte, error) {
	raw, err := tx.Get(store.BlockKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return crypto.BlockNonce{}, nil, ErrNotFound
		}
		return crypto.BlockNonce{}, nil, fmt.Errorf("block: read: %w", err)
	}
	var rec record
	if _, err := s.codec.Unmarshal(raw, &rec); err != nil {
		return crypto.BlockNonce{}, nil, fmt.Errorf("block: decode: %w", err)
	}
	return rec.Nonce, rec.Ciphertext, nil
}

// Exists reports whether id has stored content.
func (s *Store) Exists(tx *store.Tx, id protocol.BlockId) (bool, error) {
	return tx.Has(store.BlockKey(id))
}

// Remove deletes id's stored content. It's the caller's responsibility
// (the repository's quota/GC job) to first make sure no leaf still claims
// Presence == Present for id.
func (s *Store) Remove(tx *store.Tx, id protocol.BlockId) error {
	return tx.Delete(store.BlockKey(id))
}

// MarkUnreachable records id as a candidate for garbage collection: its
// ciphertext is still present, but nothing in the current tree references
// it (SPEC_FULL.md §4.1's trash/prune job).
func (s *Store) MarkUnreachable(tx *store.Tx, id protocol.BlockId) error {
	return tx.Put(store.UnreachableBlockKey(id), []byte{})
}

// UnmarkUnreachable clears a prior MarkUnreachable, used when a new leaf
// starts referencing id again before the GC pass collects it.
func (s *Store) UnmarkUnreachable(tx *store.Tx, id protocol.BlockId) error {
	return tx.Delete(store.UnreachableBlockKey(id))
}

// IterateUnreachable applies fn to every block id currently marked
// unreachable.
func (s *Store) IterateUnreachable(tx *store.Tx, fn func(id protocol.BlockId) error) error {
	prefixLen := len(store.UnreachablePrefix())
	return tx.Iterate(store.UnreachablePrefix(), func(key, _ []byte) error {
		id, err := ids.ToID(key[prefixLen:])
		if err != nil {
			return fmt.Errorf("block: corrupt unreachable key: %w", err)
		}
		return fn(id)
	})
}
