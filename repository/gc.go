package repository

import (
	"context"
	"errors"

	"github.com/luxfi/ids"

	"github.com/luxfi/ouisync/config"
	"github.com/luxfi/ouisync/index"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// runScan implements the "scan" half of spec.md §4 "Quota, expiration,
// GC": walk every block actually stored locally and every block still
// reachable from some branch's current root, and mark the difference
// unreachable so runPrune can later reclaim it. A block referenced again
// before collection (by a new write or a newly approved remote snapshot)
// is unmarked the next time scan runs.
func (r *Repository) runScan(ctx context.Context) error {
	tx := r.db.BeginWrite()
	defer tx.Rollback()

	reachable := make(map[protocol.BlockId]struct{})
	for _, b := range r.Branches() {
		root, err := b.CurrentRoot(tx)
		if err != nil {
			if errors.Is(err, index.ErrBranchNotFound) {
				continue
			}
			return err
		}
		if err := r.collectReachable(tx, root.Proof.RootHash, 0, reachable); err != nil {
			return err
		}
	}

	var toMark, toUnmark []protocol.BlockId
	if err := tx.Iterate(store.BlockPrefix(), func(key, _ []byte) error {
		prefixLen := len(store.BlockPrefix())
		id, err := ids.ToID(key[prefixLen:])
		if err != nil {
			return err
		}
		if _, ok := reachable[id]; ok {
			toUnmark = append(toUnmark, id)
		} else {
			toMark = append(toMark, id)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, id := range toMark {
		if err := r.blocks.MarkUnreachable(tx, id); err != nil {
			return err
		}
	}
	for _, id := range toUnmark {
		if err := r.blocks.UnmarkUnreachable(tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// collectReachable adds every BlockId referenced by a Present or Expired
// leaf under hash to reachable (spec.md §3 invariant 6: "a block is
// reachable iff some approved snapshot of some branch references its
// BlockId" — Expired leaves still name a block that must not be collected
// out from under a future re-fetch).
func (r *Repository) collectReachable(tx *store.Tx, hash protocol.Hash, layer int, reachable map[protocol.BlockId]struct{}) error {
	if layer == config.InnerLayerCount {
		leaves, err := r.idx.Leaves(tx, hash)
		if err != nil {
			if errors.Is(err, index.ErrParentNodeNotFound) {
				return nil
			}
			return err
		}
		for _, leaf := range leaves {
			if leaf.Presence != protocol.Missing {
				reachable[leaf.BlockId] = struct{}{}
			}
		}
		return nil
	}

	children, err := r.idx.ChildNodes(tx, hash)
	if err != nil {
		if errors.Is(err, index.ErrParentNodeNotFound) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := r.collectReachable(tx, child.Hash, layer+1, reachable); err != nil {
			return err
		}
	}
	return nil
}

// runMerge re-runs Finalize for every branch: a coalesced safety net
// catching any snapshot whose completeness only became decidable after a
// batch finished landing outside of network.Client's own post-batch call
// (spec.md §4.1 finalize).
func (r *Repository) runMerge(ctx context.Context) error {
	tx := r.db.BeginWrite()
	defer tx.Rollback()
	if err := r.Finalize(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// runPrune implements fallback pruning (spec.md §4.1 "Fallback pruning
// (critical)") and block collection: for each branch, delete an older
// approved snapshot only if it offers no Present block the newest
// approved snapshot lacks, then physically remove every block still
// marked unreachable.
func (r *Repository) runPrune(ctx context.Context) error {
	tx := r.db.BeginWrite()
	defer tx.Rollback()

	for _, b := range r.Branches() {
		roots, err := r.idx.Roots(tx, b.WriterId())
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			continue
		}
		n := len(roots) - 1
		for n >= 0 && roots[n].Summary.State != protocol.Approved {
			n--
		}
		if n < 0 {
			continue
		}
		newest := roots[n]
		for _, old := range roots[:n] {
			if old.Summary.State != protocol.Approved {
				continue
			}
			if old.Proof.RootHash == newest.Proof.RootHash {
				continue
			}
			if !old.IsOutdated(newest) {
				continue
			}
			if err := r.idx.DeleteRoot(tx, old); err != nil {
				return err
			}
		}
	}

	var collected []protocol.BlockId
	if err := r.blocks.IterateUnreachable(tx, func(id protocol.BlockId) error {
		collected = append(collected, id)
		return nil
	}); err != nil {
		return err
	}
	for _, id := range collected {
		if err := r.blocks.Remove(tx, id); err != nil {
			return err
		}
		if err := r.blocks.UnmarkUnreachable(tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
