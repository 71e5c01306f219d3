package index

import (
	"errors"

	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// FindBlock returns the block id and presence bound to locatorHash in
// writer's current tree (spec.md §4.1 find_block). It returns
// ErrBranchNotFound if writer has no root yet, or ErrLocatorNotFound if no
// leaf exists for locatorHash.
func (s *Store) FindBlock(tx *store.Tx, writer protocol.WriterId, locatorHash protocol.Hash) (protocol.BlockId, protocol.Presence, error) {
	root, err := s.CurrentRoot(tx, writer)
	if err != nil {
		return protocol.BlockId{}, 0, err
	}

	hash := root.Proof.RootHash
	for layer := 0; layer < maxLayer; layer++ {
		g, err := s.loadInnerGroup(tx, hash)
		if err != nil {
			return protocol.BlockId{}, 0, translateMissing(err)
		}
		child, ok := g[bucketFor(locatorHash, layer)]
		if !ok {
			return protocol.BlockId{}, 0, ErrLocatorNotFound
		}
		hash = child.Hash
	}

	leaves, err := s.loadLeafGroup(tx, hash)
	if err != nil {
		return protocol.BlockId{}, 0, translateMissing(err)
	}
	leaf, ok := leaves[leafKey(locatorHash)]
	if !ok {
		return protocol.BlockId{}, 0, ErrLocatorNotFound
	}
	return leaf.BlockId, leaf.Presence, nil
}

func translateMissing(err error) error {
	if errors.Is(err, ErrParentNodeNotFound) {
		return ErrLocatorNotFound
	}
	return err
}

// path is the sequence of inner groups descended through to reach a leaf
// group, innermost last, recorded so ascend can rebuild each one bottom-up
// after the leaf changes.
type path struct {
	groups  []innerGroup
	buckets []byte
}

func (s *Store) descend(tx *store.Tx, rootHash protocol.Hash, locatorHash protocol.Hash) (path, protocol.Hash, error) {
	p := path{groups: make([]innerGroup, 0, maxLayer), buckets: make([]byte, 0, maxLayer)}
	hash := rootHash
	for layer := 0; layer < maxLayer; layer++ {
		g, err := s.loadInnerGroup(tx, hash)
		if err != nil {
			return path{}, protocol.Hash{}, err
		}
		b := bucketFor(locatorHash, layer)
		p.groups = append(p.groups, g)
		p.buckets = append(p.buckets, b)
		if child, ok := g[b]; ok {
			hash = child.Hash
		} else {
			hash = emptyGroupHash
		}
	}
	return p, hash, nil
}

// ascend rewrites every inner group on p, innermost first, after the leaf
// group at the bottom hashes to newLeafHash with summary newLeafSummary,
// returning the new root hash.
func (s *Store) ascend(tx *store.Tx, p path, newLeafHash protocol.Hash, newLeafSummary protocol.Summary) (protocol.Hash, error) {
	childHash := newLeafHash
	childSummary := newLeafSummary

	for i := len(p.groups) - 1; i >= 0; i-- {
		g := p.groups[i]
		b := p.buckets[i]
		if childHash == emptyGroupHash {
			delete(g, b)
		} else {
			g[b] = protocol.InnerNode{Hash: childHash, Summary: childSummary}
		}

		newHash, err := s.saveInnerGroup(tx, g)
		if err != nil {
			return protocol.Hash{}, err
		}
		childHash = newHash
		childSummary = protocol.SummaryFromInners(summaryOfGroup(g))
	}
	return childHash, nil
}

// InsertBlock binds locatorHash to blockId as Present under writer's
// current tree, creating the tree if writer has no root yet, and returns
// the new (unsigned, unpersisted) root hash (spec.md §4.1 insert_block).
// The caller — branch — is responsible for signing a Proof over the
// returned hash at an incremented VersionVector and calling SaveRoot.
func (s *Store) InsertBlock(tx *store.Tx, writer protocol.WriterId, locatorHash protocol.Hash, blockId protocol.BlockId) (protocol.Hash, error) {
	return s.setLeaf(tx, writer, locatorHash, blockId, protocol.Present)
}

// RemoveBlock marks locatorHash's block as no longer locally present
// (spec.md §4.1 remove_block, used by quota eviction and GC): the binding
// to blockId is kept so the block can be re-fetched, but Presence becomes
// Expired.
func (s *Store) RemoveBlock(tx *store.Tx, writer protocol.WriterId, locatorHash protocol.Hash) (protocol.Hash, error) {
	blockId, presence, err := s.FindBlock(tx, writer, locatorHash)
	if err != nil {
		return protocol.Hash{}, err
	}
	if presence != protocol.Present {
		root, err := s.CurrentRoot(tx, writer)
		if err != nil {
			return protocol.Hash{}, err
		}
		return root.Proof.RootHash, nil
	}
	return s.setLeaf(tx, writer, locatorHash, blockId, protocol.Expired)
}

// Bump re-marks locatorHash's existing binding as Present, used after a
// block thought Expired is found to still be available locally. It is a
// no-op — the prior root hash is returned unchanged — when the leaf is
// already Present, so re-verifying an already-healthy block never forces
// a redundant hash recomputation up the tree (spec.md §4.1 bump).
func (s *Store) Bump(tx *store.Tx, writer protocol.WriterId, locatorHash protocol.Hash) (protocol.Hash, error) {
	blockId, presence, err := s.FindBlock(tx, writer, locatorHash)
	if err != nil {
		return protocol.Hash{}, err
	}
	if presence == protocol.Present {
		root, err := s.CurrentRoot(tx, writer)
		if err != nil {
			return protocol.Hash{}, err
		}
		return root.Proof.RootHash, nil
	}
	return s.setLeaf(tx, writer, locatorHash, blockId, protocol.Present)
}

func (s *Store) setLeaf(tx *store.Tx, writer protocol.WriterId, locatorHash protocol.Hash, blockId protocol.BlockId, presence protocol.Presence) (protocol.Hash, error) {
	var rootHash protocol.Hash
	if root, err := s.CurrentRoot(tx, writer); err == nil {
		rootHash = root.Proof.RootHash
	} else if !errors.Is(err, ErrBranchNotFound) {
		return protocol.Hash{}, err
	}

	p, leafGroupHash, err := s.descend(tx, rootHash, locatorHash)
	if err != nil {
		return protocol.Hash{}, err
	}

	leaves, err := s.loadLeafGroup(tx, leafGroupHash)
	if err != nil {
		return protocol.Hash{}, err
	}
	leaves[leafKey(locatorHash)] = protocol.LeafNode{
		LocatorHash: locatorHash,
		BlockId:     blockId,
		Presence:    presence,
	}

	newLeafHash, err := s.saveLeafGroup(tx, leaves)
	if err != nil {
		return protocol.Hash{}, err
	}
	newLeafSummary := protocol.SummaryFromLeaves(leavesOfGroup(leaves))

	return s.ascend(tx, p, newLeafHash, newLeafSummary)
}
