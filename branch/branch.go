// Package branch wraps one writer's view of the index store with the
// monotonicity contract SPEC_FULL.md §4.2/§5.2 requires of a local branch:
// every snapshot it publishes strictly dominates the one before it.
package branch

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
	"github.com/luxfi/ouisync/vv"
)

// ErrReadOnly is returned by the write operations of a Branch opened
// without a Signer — a view onto a remote writer's branch, whose snapshots
// only ever arrive over the network via index.ReceiveRootNode.
var ErrReadOnly = errors.New("branch: no signer, branch is read-only")

// Branch is one writer's sequence of published snapshots, layered over the
// shared index.Store (SPEC_FULL.md §5.2). A Branch with a Signer is the
// repository's own local branch; one without is a read-only handle onto a
// peer's branch, useful for inspecting what that peer currently claims.
type Branch struct {
	writer protocol.WriterId
	signer crypto.Signer // nil for a read-only remote branch
	index  *index.Store
}

// NewLocal returns the repository's own writable Branch, whose WriterId is
// derived from signer's public key (spec.md §3: "for the repository's
// owning branch, WriterId also equals the RepositoryId").
func NewLocal(signer crypto.Signer, idx *index.Store) (*Branch, error) {
	writer, err := ids.ToID(signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("branch: writer id from public key: %w", err)
	}
	return &Branch{writer: writer, signer: signer, index: idx}, nil
}

// NewRemote returns a read-only Branch for inspecting writer's snapshots as
// received from the network.
func NewRemote(writer protocol.WriterId, idx *index.Store) *Branch {
	return &Branch{writer: writer, index: idx}
}

// WriterId returns the writer identity this Branch tracks.
func (b *Branch) WriterId() protocol.WriterId { return b.writer }

// IsLocal reports whether this Branch can publish new snapshots.
func (b *Branch) IsLocal() bool { return b.signer != nil }

// CurrentRoot returns the latest root node known for this branch, or
// index.ErrBranchNotFound if none has been published or received yet.
func (b *Branch) CurrentRoot(tx *store.Tx) (protocol.RootNode, error) {
	return b.index.CurrentRoot(tx, b.writer)
}

// FindBlock delegates to index.Store.FindBlock for this branch's writer.
func (b *Branch) FindBlock(tx *store.Tx, locatorHash protocol.Hash) (protocol.BlockId, protocol.Presence, error) {
	return b.index.FindBlock(tx, b.writer, locatorHash)
}

// currentVersionVector returns this branch's current version vector, or the
// empty vector if it has never published (spec.md §4.2: a branch that has
// never written starts at the zero vector).
func (b *Branch) currentVersionVector(tx *store.Tx) (vv.VersionVector, error) {
	root, err := b.index.CurrentRoot(tx, b.writer)
	if errors.Is(err, index.ErrBranchNotFound) {
		return vv.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return root.Proof.VersionVector, nil
}

// publish signs and stores a new RootNode over newRootHash at this
// branch's version vector incremented by one, enforcing the monotonicity
// contract: every local snapshot strictly dominates its predecessor
// (vv.VersionVector.IncrementLocal guarantees this by construction, since
// it only ever increases this writer's own component).
func (b *Branch) publish(tx *store.Tx, newRootHash protocol.Hash) (protocol.RootNode, error) {
	if b.signer == nil {
		return protocol.RootNode{}, ErrReadOnly
	}
	cur, err := b.currentVersionVector(tx)
	if err != nil {
		return protocol.RootNode{}, err
	}
	next := cur.IncrementLocal(b.writer)
	proof := protocol.NewProof(b.signer, b.writer, next, newRootHash)
	root := protocol.RootNode{Proof: proof, Summary: protocol.Summary{State: protocol.Incomplete}}
	if err := b.index.SaveRoot(tx, root); err != nil {
		return protocol.RootNode{}, err
	}
	return root, nil
}

// WriteBlock binds locatorHash to blockId as Present and publishes the
// resulting snapshot (spec.md §4.1 insert_block plus the branch-level
// publish step of §4.2).
func (b *Branch) WriteBlock(tx *store.Tx, locatorHash protocol.Hash, blockId protocol.BlockId) (protocol.RootNode, error) {
	if b.signer == nil {
		return protocol.RootNode{}, ErrReadOnly
	}
	newRootHash, err := b.index.InsertBlock(tx, b.writer, locatorHash, blockId)
	if err != nil {
		return protocol.RootNode{}, err
	}
	return b.publish(tx, newRootHash)
}

// RemoveBlock marks locatorHash's block Expired and publishes the
// resulting snapshot.
func (b *Branch) RemoveBlock(tx *store.Tx, locatorHash protocol.Hash) (protocol.RootNode, error) {
	if b.signer == nil {
		return protocol.RootNode{}, ErrReadOnly
	}
	newRootHash, err := b.index.RemoveBlock(tx, b.writer, locatorHash)
	if err != nil {
		return protocol.RootNode{}, err
	}
	return b.publish(tx, newRootHash)
}

// Bump re-marks locatorHash's block Present. When the root hash is
// unchanged, which is always the case because Presence is not part of
// any node hash, no new snapshot is published and the branch's current
// root as read before the bump is returned.
func (b *Branch) Bump(tx *store.Tx, locatorHash protocol.Hash) (protocol.RootNode, error) {
	if b.signer == nil {
		return protocol.RootNode{}, ErrReadOnly
	}
	cur, err := b.index.CurrentRoot(tx, b.writer)
	if err != nil {
		return protocol.RootNode{}, err
	}
	newRootHash, err := b.index.Bump(tx, b.writer, locatorHash)
	if err != nil {
		return protocol.RootNode{}, err
	}
	if cur.Proof.RootHash == newRootHash {
		return cur, nil
	}
	return b.publish(tx, newRootHash)
}

// Finalize delegates to index.Store.Finalize for this branch's writer
// (spec.md §4.1 finalize).
func (b *Branch) Finalize(tx *store.Tx, approve func(protocol.Summary) bool) error {
	return b.index.Finalize(tx, b.writer, approve)
}

// ReceiveRootNode delegates to index.Store.ReceiveRootNode, which stores
// root under root.Proof.WriterId. b.writer is not consulted, so a root
// signed by a different writer is not rejected here.
func (b *Branch) ReceiveRootNode(tx *store.Tx, root protocol.RootNode) error {
	return b.index.ReceiveRootNode(tx, root)
}
