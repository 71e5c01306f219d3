package protocol

import (
	"encoding/binary"

	"github.com/luxfi/ids"
	"github.com/luxfi/ouisync/crypto"
)

// Locator identifies one block's position within a blob: which blob, and
// which block index within that blob (spec.md §3). The blob layer itself
// (mapping a logical file onto a sequence of locators) is out of scope for
// this module; protocol only needs the pair and its encoding.
type Locator struct {
	BlobId     ids.ID
	BlockIndex uint32
}

// Encode hashes the locator together with the repository's read key,
// producing the Hash used as the leaf's key inside the index. Hashing
// under the read key (rather than storing blob_id/block_index directly)
// hides the locator structure from a Blind replica that never receives
// the read key (spec.md §3).
func (l Locator) Encode(readKey [32]byte) Hash {
	buf := make([]byte, 0, 32+len(l.BlobId)+4)
	buf = append(buf, readKey[:]...)
	buf = append(buf, l.BlobId[:]...)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], l.BlockIndex)
	buf = append(buf, idxBuf[:]...)
	return crypto.Hash(buf)
}
