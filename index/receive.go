package index

import (
	"errors"

	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// ReceiveRootNode validates and stores a RootNode announced by a remote
// writer (spec.md §4.1 receive_root_node). The signature is checked, but
// the claimed Summary is not trusted: it is reset to Incomplete and
// recomputed locally, bottom-up, as the node's descendants actually
// arrive — a remote peer can only ever make us fetch more, never convince
// us a subtree is complete before we've verified it ourselves.
func (s *Store) ReceiveRootNode(tx *store.Tx, root protocol.RootNode) error {
	if err := root.Proof.Verify(); err != nil {
		return ErrInvalidProof
	}
	root.Summary = protocol.Summary{State: protocol.Incomplete}
	return s.SaveRoot(tx, root)
}

// ReceiveInnerNodes validates and stores one inner-node group, keyed by the
// bucket it occupies under its parent (spec.md §4.1 receive_inner_nodes).
// parentHash must equal the group's own content hash — already known to
// the receiver from a parent node or root proof — or the group is rejected
// outright: an attacker controlling only the network cannot substitute
// nodes without also breaking a signed hash chain back to the root.
// Already-known groups are left untouched rather than overwritten: a group
// stored locally may carry presence/summary state this receive wouldn't
// know about, so a matching hash means "nothing to learn here", not
// "replace what we have".
func (s *Store) ReceiveInnerNodes(tx *store.Tx, parentHash protocol.Hash, nodes map[byte]protocol.InnerNode) error {
	g := innerGroup(nodes)
	if hashInnerGroup(g) != parentHash {
		return ErrHashMismatch
	}
	have, err := s.HaveGroup(tx, parentHash, protocol.DisambiguateInner)
	if err != nil {
		return err
	}
	if have {
		return nil
	}
	_, err = s.saveInnerGroup(tx, g)
	return err
}

// ReceiveLeafNodes validates and stores one leaf-node group
// (spec.md §4.1 receive_leaf_nodes), subject to the same parent-hash check
// as ReceiveInnerNodes. Every leaf is stored with Presence forced to
// Missing regardless of what the sender reported: spec.md's invariant that
// "a LeafNode with presence = Present implies the block's ciphertext is in
// the block store" is local to whoever holds the node, and a leaf only
// ever becomes locally Present through this store's own Bump, once the
// block has actually been downloaded and verified. Like ReceiveInnerNodes,
// a group whose hash is already known locally is left untouched — it may
// already carry real Present leaves this receive has no knowledge of.
func (s *Store) ReceiveLeafNodes(tx *store.Tx, parentHash protocol.Hash, leaves []protocol.LeafNode) error {
	g := make(leafGroup, len(leaves))
	for _, l := range leaves {
		l.Presence = protocol.Missing
		g[leafKey(l.LocatorHash)] = l
	}
	if hashLeafGroup(g) != parentHash {
		return ErrHashMismatch
	}
	have, err := s.HaveGroup(tx, parentHash, protocol.DisambiguateLeaf)
	if err != nil {
		return err
	}
	if have {
		return nil
	}
	_, err = s.saveLeafGroup(tx, g)
	return err
}

// computeSummary recomputes a subtree's Summary strictly from what is
// locally present, recursing into children rather than trusting the
// cached Summary a sender attached to its InnerNode — that cached value
// reflects what the sender held, not what we've actually fetched.
func (s *Store) computeSummary(tx *store.Tx, hash protocol.Hash, layer int) (protocol.Summary, error) {
	if hash == emptyGroupHash {
		return protocol.Summary{State: protocol.Complete, BlockPresence: protocol.BlockPresence{Kind: protocol.PresenceNone}}, nil
	}

	if layer == maxLayer {
		leaves, err := s.loadLeafGroup(tx, hash)
		if err != nil {
			if errors.Is(err, ErrParentNodeNotFound) {
				return protocol.Summary{State: protocol.Incomplete}, nil
			}
			return protocol.Summary{}, err
		}
		return protocol.SummaryFromLeaves(leavesOfGroup(leaves)), nil
	}

	g, err := s.loadInnerGroup(tx, hash)
	if err != nil {
		if errors.Is(err, ErrParentNodeNotFound) {
			return protocol.Summary{State: protocol.Incomplete}, nil
		}
		return protocol.Summary{}, err
	}

	children := make([]protocol.Summary, 0, len(g))
	for _, b := range sortedBuckets(g) {
		cs, err := s.computeSummary(tx, g[b].Hash, layer+1)
		if err != nil {
			return protocol.Summary{}, err
		}
		children = append(children, cs)
	}
	return protocol.SummaryFromInners(children), nil
}

// Finalize re-checks writer's current root for completeness and, once
// every descendant has locally arrived, decides Approved vs Rejected by
// calling approve with the freshly computed Summary (spec.md §4.1
// finalize). approve typically enforces the repository's storage quota;
// it is passed in rather than read from a package config so Finalize stays
// ignorant of how quota is tracked (the teacher's components take their
// policy decisions as injected funcs rather than globals).
//
// Finalize is a no-op, returning nil, if writer has no current root, if it
// was already finalized, or if it is still Incomplete.
func (s *Store) Finalize(tx *store.Tx, writer protocol.WriterId, approve func(protocol.Summary) bool) error {
	root, err := s.CurrentRoot(tx, writer)
	if err != nil {
		if errors.Is(err, ErrBranchNotFound) {
			return nil
		}
		return err
	}
	if root.Summary.State != protocol.Incomplete {
		return nil
	}

	summary, err := s.computeSummary(tx, root.Proof.RootHash, 0)
	if err != nil {
		return err
	}
	if summary.State == protocol.Incomplete {
		return nil
	}

	if approve(summary) {
		summary.State = protocol.Approved
	} else {
		summary.State = protocol.Rejected
	}
	root.Summary = summary
	return s.SaveRoot(tx, root)
}
