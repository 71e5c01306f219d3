// Package crypto supplies the cryptographic primitives the replicated
// storage engine is built on: content hashing, block AEAD, password-based
// key derivation, and Ed25519 proof signing (spec.md §4.7, §6).
package crypto

import (
	"github.com/luxfi/ids"
	"github.com/zeebo/blake3"
)

// Hash returns the content address of data: BLAKE3-256 over the bytes,
// reinterpreted as an ids.ID so it composes with the rest of the luxfi
// identifier tooling (set membership, String(), map keys).
func Hash(data []byte) ids.ID {
	sum := blake3.Sum256(data)
	id, err := ids.ToID(sum[:])
	if err != nil {
		// ids.ToID only fails on wrong-length input; blake3.Sum256 always
		// returns 32 bytes, so this is unreachable.
		panic(err)
	}
	return id
}

// HashChain folds an additional hash into a running checksum, used to build
// the Some(checksum) block-presence summaries (spec.md §3, §4.1) so two
// peers can compare "do we hold the same present blocks" cheaply: the
// chain is commutative-independent (order of insertion matters, but the
// same ordered subset always yields the same checksum) by construction of
// the callers, which always iterate children in bucket order.
func HashChain(prev ids.ID, next ids.ID) ids.ID {
	buf := make([]byte, 0, len(prev)+len(next))
	buf = append(buf, prev[:]...)
	buf = append(buf, next[:]...)
	return Hash(buf)
}

// HashChildren hashes a node's ordered child hashes into the node's own
// hash (spec.md §3 invariant 2: "for every InnerNode, hash = H(children_map)").
func HashChildren(children []ids.ID) ids.ID {
	if len(children) == 0 {
		return Hash(nil)
	}
	buf := make([]byte, 0, len(children)*len(children[0]))
	for _, c := range children {
		buf = append(buf, c[:]...)
	}
	return Hash(buf)
}
