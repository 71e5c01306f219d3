package store

import "github.com/luxfi/ids"

// Table key prefixes, matching the on-disk layout table list of
// spec.md §6: snapshot_root_nodes, snapshot_inner_nodes,
// snapshot_leaf_nodes, blocks, unreachable_blocks, metadata_public,
// metadata_secret.
var (
	prefixRootNode    = []byte("rn:")
	prefixInnerNode   = []byte("in:")
	prefixLeafNode    = []byte("ln:")
	prefixBlock       = []byte("bk:")
	prefixUnreachable = []byte("ub:")
	prefixMetaPublic  = []byte("mp:")
	prefixMetaSecret  = []byte("ms:")
)

func concatKey(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// RootNodeKey orders a branch's snapshots by writer then by the writer's
// local version-vector counter, so an iterator over the writer's prefix
// yields them oldest-first.
func RootNodeKey(writer ids.ID, localCounter uint64) []byte {
	var counterBuf [8]byte
	for i := 0; i < 8; i++ {
		counterBuf[i] = byte(localCounter >> (8 * uint(7-i)))
	}
	return concatKey(prefixRootNode, writer[:], counterBuf[:])
}

// RootNodePrefix returns the key prefix for every snapshot of writer.
func RootNodePrefix(writer ids.ID) []byte {
	return concatKey(prefixRootNode, writer[:])
}

// InnerNodeKey addresses one inner node by its own hash (content-addressed,
// so layer/bucket are implicit in the parent's lookup, not the key).
func InnerNodeKey(hash ids.ID) []byte {
	return concatKey(prefixInnerNode, hash[:])
}

// LeafNodeGroupKey addresses a leaf-node group by its parent hash.
func LeafNodeGroupKey(parentHash ids.ID) []byte {
	return concatKey(prefixLeafNode, parentHash[:])
}

// BlockKey addresses one block's ciphertext+nonce record.
func BlockKey(id ids.ID) []byte {
	return concatKey(prefixBlock, id[:])
}

// BlockPrefix returns the prefix under which every block is stored, for
// GC enumeration.
func BlockPrefix() []byte { return prefixBlock }

// UnreachableBlockKey marks a block as pending collection.
func UnreachableBlockKey(id ids.ID) []byte {
	return concatKey(prefixUnreachable, id[:])
}

// UnreachablePrefix returns the prefix for the unreachable_blocks table.
func UnreachablePrefix() []byte { return prefixUnreachable }

// MetaPublicKey addresses one metadata_public(name, value) row.
func MetaPublicKey(name string) []byte {
	return concatKey(prefixMetaPublic, []byte(name))
}

// MetaSecretKey addresses one metadata_secret(name, nonce, value) row.
func MetaSecretKey(name string) []byte {
	return concatKey(prefixMetaSecret, []byte(name))
}
