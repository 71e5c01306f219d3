package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/ouisync/internal/codec"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// Store is the persistent, content-addressed Merkle index shared by every
// branch of one repository (spec.md §4.1). Inner-node and leaf-node groups
// are stored keyed by their own hash, so identical subtrees — the common
// case right after a branch forks, or whenever two writers touch disjoint
// parts of the tree — are physically shared rather than duplicated.
//
// Store itself holds no mutable state; every operation takes the *store.Tx
// it runs under, so callers control atomicity (spec.md §4.7).
type Store struct {
	db *store.DB

	// codec marshals node groups and root records for storage. Exposed as
	// a field rather than a package-level var so tests can swap it, the
	// way the teacher's components take a Codec dependency explicitly.
	codec codec.Codec
}

// New returns a Store backed by db, using the package-default JSON codec.
func New(db *store.DB) *Store {
	return &Store{db: db, codec: codec.Default}
}

// rootRecord is what's actually persisted at a RootNodeKey. The local
// counter that orders a writer's snapshots is Proof.VersionVector's own
// entry for WriterId, so it isn't duplicated here.
type rootRecord struct {
	Proof   protocol.Proof
	Summary protocol.Summary
}

func currentPointerKey(writer protocol.WriterId) []byte {
	return store.MetaPublicKey("index:current:" + writer.String())
}

// CurrentRoot returns the latest root node saved for writer, or
// ErrBranchNotFound if writer has never published one.
func (s *Store) CurrentRoot(tx *store.Tx, writer protocol.WriterId) (protocol.RootNode, error) {
	ptr, err := tx.Get(currentPointerKey(writer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.RootNode{}, ErrBranchNotFound
		}
		return protocol.RootNode{}, fmt.Errorf("index: read current pointer: %w", err)
	}
	if len(ptr) != 8 {
		return protocol.RootNode{}, fmt.Errorf("index: corrupt current pointer for %s", writer)
	}
	counter := binary.BigEndian.Uint64(ptr)

	raw, err := tx.Get(store.RootNodeKey(writer, counter))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.RootNode{}, ErrBranchNotFound
		}
		return protocol.RootNode{}, fmt.Errorf("index: read root node: %w", err)
	}

	var rec rootRecord
	if _, err := s.codec.Unmarshal(raw, &rec); err != nil {
		return protocol.RootNode{}, fmt.Errorf("index: decode root node: %w", err)
	}
	return protocol.RootNode{Proof: rec.Proof, Summary: rec.Summary}, nil
}

// SaveRoot persists root under its writer and local counter. If root is the
// writer's newest by version vector, the writer's current pointer is
// advanced to it (spec.md §4.1: "current" always names the newest locally
// known root, approved or not, so find_block always sees the latest
// attempt even before quota approval finalizes it).
func (s *Store) SaveRoot(tx *store.Tx, root protocol.RootNode) error {
	writer := root.Proof.WriterId
	counter := root.Proof.VersionVector.Get(writer)

	raw, err := s.codec.Marshal(codec.CurrentVersion, rootRecord{Proof: root.Proof, Summary: root.Summary})
	if err != nil {
		return fmt.Errorf("index: encode root node: %w", err)
	}
	if err := tx.Put(store.RootNodeKey(writer, counter), raw); err != nil {
		return err
	}

	cur, err := s.CurrentRoot(tx, writer)
	if err != nil && !errors.Is(err, ErrBranchNotFound) {
		return err
	}
	advance := errors.Is(err, ErrBranchNotFound) || cur.Proof.VersionVector.Less(root.Proof.VersionVector)
	if advance {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], counter)
		if err := tx.Put(currentPointerKey(writer), buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// Roots returns every RootNode ever saved for writer, oldest first, for
// the repository's fallback-pruning job to walk (spec.md §4.1: "Delete
// old only if old.block_presence provides no block that new lacks").
func (s *Store) Roots(tx *store.Tx, writer protocol.WriterId) ([]protocol.RootNode, error) {
	prefixLen := len(store.RootNodePrefix(writer))
	var roots []protocol.RootNode
	err := tx.Iterate(store.RootNodePrefix(writer), func(key, raw []byte) error {
		if len(key) != prefixLen+8 {
			return fmt.Errorf("index: corrupt root node key for %s", writer)
		}
		var rec rootRecord
		if _, err := s.codec.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("index: decode root node: %w", err)
		}
		roots = append(roots, protocol.RootNode{Proof: rec.Proof, Summary: rec.Summary})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Proof.VersionVector.Get(writer) < roots[j].Proof.VersionVector.Get(writer)
	})
	return roots, nil
}

// DeleteRoot physically removes one RootNode. The caller (the
// repository's prune job) is responsible for first checking that root is
// safe to delete under the fallback-pruning rule, and must never delete
// the writer's current root.
func (s *Store) DeleteRoot(tx *store.Tx, root protocol.RootNode) error {
	writer := root.Proof.WriterId
	counter := root.Proof.VersionVector.Get(writer)
	return tx.Delete(store.RootNodeKey(writer, counter))
}

// HaveGroup reports whether the inner-node group (disambiguator ==
// protocol.DisambiguateInner) or leaf-node group (DisambiguateLeaf)
// identified by hash is already stored locally. The network layer uses
// this to decide whether a ChildNodes response needs a follow-up request
// or whether the subtree it names is already known (spec.md §4.4 rule 3:
// "for each child whose local summary is outdated vs the received
// summary, issue a follow-up request").
func (s *Store) HaveGroup(tx *store.Tx, hash protocol.Hash, disambiguator protocol.Disambiguator) (bool, error) {
	if hash == emptyGroupHash {
		return true, nil
	}
	key := store.InnerNodeKey(hash)
	if disambiguator == protocol.DisambiguateLeaf {
		key = store.LeafNodeGroupKey(hash)
	}
	ok, err := tx.Has(key)
	if err != nil {
		return false, fmt.Errorf("index: check group presence: %w", err)
	}
	return ok, nil
}

// ChildNodes returns the inner-node group stored at hash, for serving a
// ChildNodes(hash, DisambiguateInner) request (spec.md §4.5).
// ErrParentNodeNotFound if the group isn't known locally.
func (s *Store) ChildNodes(tx *store.Tx, hash protocol.Hash) (map[byte]protocol.InnerNode, error) {
	g, err := s.loadInnerGroup(tx, hash)
	if err != nil {
		return nil, err
	}
	return map[byte]protocol.InnerNode(g), nil
}

// Leaves returns the leaf-node group stored at hash, for serving a
// ChildNodes(hash, DisambiguateLeaf) request (spec.md §4.5).
// ErrParentNodeNotFound if the group isn't known locally.
func (s *Store) Leaves(tx *store.Tx, hash protocol.Hash) ([]protocol.LeafNode, error) {
	g, err := s.loadLeafGroup(tx, hash)
	if err != nil {
		return nil, err
	}
	return leavesOfGroup(g), nil
}

func (s *Store) loadInnerGroup(tx *store.Tx, hash protocol.Hash) (innerGroup, error) {
	if hash == emptyGroupHash {
		return make(innerGroup), nil
	}
	raw, err := tx.Get(store.InnerNodeKey(hash))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrParentNodeNotFound
		}
		return nil, fmt.Errorf("index: read inner group: %w", err)
	}
	var stored map[byte]protocol.InnerNode
	if _, err := s.codec.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("index: decode inner group: %w", err)
	}
	return innerGroup(stored), nil
}

func (s *Store) saveInnerGroup(tx *store.Tx, g innerGroup) (protocol.Hash, error) {
	if len(g) == 0 {
		return emptyGroupHash, nil
	}
	hash := hashInnerGroup(g)
	raw, err := s.codec.Marshal(codec.CurrentVersion, map[byte]protocol.InnerNode(g))
	if err != nil {
		return protocol.Hash{}, fmt.Errorf("index: encode inner group: %w", err)
	}
	if err := tx.Put(store.InnerNodeKey(hash), raw); err != nil {
		return protocol.Hash{}, err
	}
	return hash, nil
}

func (s *Store) loadLeafGroup(tx *store.Tx, hash protocol.Hash) (leafGroup, error) {
	if hash == emptyGroupHash {
		return make(leafGroup), nil
	}
	raw, err := tx.Get(store.LeafNodeGroupKey(hash))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrParentNodeNotFound
		}
		return nil, fmt.Errorf("index: read leaf group: %w", err)
	}
	var stored map[string]protocol.LeafNode
	if _, err := s.codec.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("index: decode leaf group: %w", err)
	}
	return leafGroup(stored), nil
}

func (s *Store) saveLeafGroup(tx *store.Tx, g leafGroup) (protocol.Hash, error) {
	if len(g) == 0 {
		return emptyGroupHash, nil
	}
	hash := hashLeafGroup(g)
	raw, err := s.codec.Marshal(codec.CurrentVersion, map[string]protocol.LeafNode(g))
	if err != nil {
		return protocol.Hash{}, fmt.Errorf("index: encode leaf group: %w", err)
	}
	if err := tx.Put(store.LeafNodeGroupKey(hash), raw); err != nil {
		return protocol.Hash{}, err
	}
	return hash, nil
}
