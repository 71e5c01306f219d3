package protocol

import (
	"crypto/ed25519"
	"errors"

	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/vv"
)

// ErrInvalidProof is returned by Proof.Verify when the signature does not
// match the claimed writer, or the writer id is not a valid Ed25519
// public key.
var ErrInvalidProof = errors.New("protocol: invalid proof")

// Proof is a writer's signed assertion that, at a given logical time
// (VersionVector), their branch's Merkle tree hashes to RootHash
// (spec.md §3).
type Proof struct {
	WriterId      WriterId
	VersionVector vv.VersionVector
	RootHash      Hash
	Signature     []byte
}

// signedMessage returns the canonical bytes a Proof signs over: the writer
// id, the root hash, and the version vector's counter for WriterId. The
// vector's other entries are not part of these bytes, so the signature
// does not cover them.
func signedMessage(writerId WriterId, rootHash Hash, localCounter uint64) []byte {
	buf := make([]byte, 0, len(writerId)+len(rootHash)+8)
	buf = append(buf, writerId[:]...)
	buf = append(buf, rootHash[:]...)
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(localCounter>>(8*uint(i))))
	}
	return buf
}

// NewProof signs a new Proof for writerId's branch, asserting rootHash at
// the version vector vector (whose component at writerId is the value
// being signed for).
func NewProof(signer crypto.Signer, writerId WriterId, vector vv.VersionVector, rootHash Hash) Proof {
	msg := signedMessage(writerId, rootHash, vector.Get(writerId))
	return Proof{
		WriterId:      writerId,
		VersionVector: vector.Clone(),
		RootHash:      rootHash,
		Signature:     signer.Sign(msg),
	}
}

// Verify checks that Signature is a valid signature, by WriterId
// (interpreted as an Ed25519 public key), over this Proof's WriterId,
// RootHash and VersionVector counter for WriterId; the vector's other
// entries are not checked (spec.md §4.1: receive_root_node "reject with InvalidProof if signature
// fails").
func (p Proof) Verify() error {
	if len(p.WriterId) != ed25519.PublicKeySize {
		return ErrInvalidProof
	}
	msg := signedMessage(p.WriterId, p.RootHash, p.VersionVector.Get(p.WriterId))
	pub := ed25519.PublicKey(p.WriterId[:])
	if err := crypto.Verify(pub, msg, p.Signature); err != nil {
		return ErrInvalidProof
	}
	return nil
}

// RootNode is a proof together with its subtree's completeness/presence
// summary (spec.md §3). Multiple RootNodes per WriterId form a
// time-ordered sequence of snapshots.
type RootNode struct {
	Proof   Proof
	Summary Summary
}

// IsOutdated reports whether old (this RootNode) provides no block that
// newer lacks, i.e. it is safe to prune as a fallback snapshot
// (spec.md §4.1's "fallback pruning"): old.block_presence must not offer
// anything newer's doesn't already have.
func (old RootNode) IsOutdated(newer RootNode) bool {
	op, np := old.Summary.BlockPresence, newer.Summary.BlockPresence
	switch op.Kind {
	case PresenceNone:
		return true
	case PresenceFull:
		return np.Kind == PresenceFull
	case PresenceSome:
		if np.Kind == PresenceFull {
			return true
		}
		if np.Kind == PresenceSome {
			return np.Checksum == op.Checksum
		}
		return false
	default:
		return true
	}
}
