// Package index implements the persistent, content-addressed Merkle index
// described in spec.md §4.1: root/inner/leaf nodes, completeness/summary
// propagation, and fallback-aware pruning of outdated snapshots.
package index

import "errors"

var (
	// ErrLocatorNotFound is returned by FindBlock when any node on the
	// path from root to leaf is missing.
	ErrLocatorNotFound = errors.New("index: locator not found")

	// ErrInvalidProof is returned when a received RootNode's signature
	// does not verify.
	ErrInvalidProof = errors.New("index: invalid proof")

	// ErrParentNodeNotFound is returned when received inner/leaf nodes
	// don't hash to a parent the store knows about, or are orphaned.
	ErrParentNodeNotFound = errors.New("index: parent node not found")

	// ErrHashMismatch is returned when received nodes don't hash to their
	// claimed parent hash.
	ErrHashMismatch = errors.New("index: hash mismatch")

	// ErrBranchNotFound is returned when operating on a writer with no
	// stored root.
	ErrBranchNotFound = errors.New("index: branch not found")
)
