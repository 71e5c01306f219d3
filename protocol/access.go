package protocol

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/ouisync/crypto"
)

// readKeyValidatorSuffix is hashed together with a repository id to derive
// the read_key_validator value stored (encrypted under the read key)
// alongside it, letting a device distinguish a real read key from a dummy
// one without revealing which is which to an observer (spec.md §6).
var readKeyValidatorSuffix = []byte("read_key_validator")

// ReadKeyValidator returns hash(id ∥ "read_key_validator") for repository
// id, as specified in spec.md §6.
func ReadKeyValidator(id ids.ID) Hash {
	buf := make([]byte, 0, len(id)+len(readKeyValidatorSuffix))
	buf = append(buf, id[:]...)
	buf = append(buf, readKeyValidatorSuffix...)
	return crypto.Hash(buf)
}

// AccessMode is a repository handle's capability: Blind, Read, or Write
// (spec.md §6). The three implementations are the only ones allowed —
// accessMode() is unexported so no other package can add a fourth.
type AccessMode interface {
	accessMode()
	Id() ids.ID
}

// Blind grants no read access: the holder can still relay index/block
// traffic between peers without being able to decrypt any of it.
type Blind struct {
	RepositoryId ids.ID
}

func (Blind) accessMode()  {}
func (b Blind) Id() ids.ID { return b.RepositoryId }

// Read grants read access: the holder can decrypt locators and blocks but
// cannot produce valid Proofs.
type Read struct {
	RepositoryId ids.ID
	ReadKey      [32]byte
}

func (Read) accessMode()  {}
func (r Read) Id() ids.ID { return r.RepositoryId }

// Write grants read and write access: the holder additionally holds the
// write keypair and can sign new Proofs.
type Write struct {
	RepositoryId ids.ID
	ReadKey      [32]byte
	WriteKeys    *crypto.WriteKeys
}

func (Write) accessMode()  {}
func (w Write) Id() ids.ID { return w.RepositoryId }
