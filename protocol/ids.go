// Package protocol defines the core data model of the replicated storage
// engine — blocks, locators, index nodes, summaries, proofs, and access
// modes (spec.md §3) — independent of how they are stored (index, store)
// or moved over the wire (network).
package protocol

import "github.com/luxfi/ids"

// Hash is a generic Merkle-tree hash: a node hash, a root hash, or an
// encoded locator hash. It is an alias for ids.ID (not a distinct type) so
// it interoperates with the rest of the luxfi ecosystem's ids.ID tooling.
type Hash = ids.ID

// BlockId identifies a block by the hash of its ciphertext
// (spec.md §3 invariant 1: block_id == hash(block_ciphertext)).
type BlockId = ids.ID

// WriterId is a branch's writer identity: the Ed25519 public key that
// signs every Proof published by that branch. For the repository's owning
// branch, WriterId also equals the RepositoryId.
type WriterId = ids.ID
