package repository

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/ouisync/crypto"
	"github.com/luxfi/ouisync/protocol"
	"github.com/luxfi/ouisync/store"
)

// ErrWrongKey is returned when a candidate read key fails validation
// against a repository's stored read_key_validator. Per spec.md §6 this
// must be indistinguishable, from the outside, from opening with a
// deliberately dummy key: callers should not log or otherwise surface
// this error in a way that would betray which case occurred.
var ErrWrongKey = errors.New("repository: read key does not validate")

// secretKeyName and secretWriteSeedName are the metadata_secret rows
// storing, respectively, the read_key_validator (spec.md §6) and the seed
// from which this repository's write keys are deterministically derived,
// itself encrypted under the read key. A repository opened Blind has
// neither row populated from its own perspective (it has no read key to
// decrypt them with, even if they're present on disk).
const (
	secretKeyName       = "read_key_validator"
	secretWriteSeedName = "write_key_seed"
)

// CreateWriteAccess provisions a brand-new repository: it generates a
// fresh write keypair (whose public half becomes the RepositoryId, per
// spec.md §3), derives a read key from password, and persists both the
// read_key_validator and the encrypted write-key seed so the repository
// can later be reopened by password alone via OpenByPassword.
func CreateWriteAccess(tx *store.Tx, password string) (protocol.Write, crypto.Salt, error) {
	keys, err := crypto.GenerateWriteKeys()
	if err != nil {
		return protocol.Write{}, crypto.Salt{}, fmt.Errorf("repository: generate write keys: %w", err)
	}
	repoId, err := ids.ToID(keys.Public)
	if err != nil {
		return protocol.Write{}, crypto.Salt{}, fmt.Errorf("repository: repository id from public key: %w", err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return protocol.Write{}, crypto.Salt{}, err
	}
	readKey := crypto.DeriveKey(password, salt)

	var seed [32]byte
	copy(seed[:], keys.Private.Seed())

	if err := writeSecret(tx, readKey, secretKeyName, protocol.ReadKeyValidator(repoId)[:]); err != nil {
		return protocol.Write{}, crypto.Salt{}, err
	}
	if err := writeSecret(tx, readKey, secretWriteSeedName, seed[:]); err != nil {
		return protocol.Write{}, crypto.Salt{}, err
	}

	return protocol.Write{RepositoryId: repoId, ReadKey: readKey, WriteKeys: keys}, salt, nil
}

// OpenByPassword reconstructs a repository's AccessMode from a password
// and the salt recorded alongside it (spec.md §6's on-disk "password_salt"
// key). It derives the candidate read key, validates it against the
// stored read_key_validator, and — only if that succeeds and a write-key
// seed is also present and decryptable — upgrades to Write access.
// A candidate key that fails validation yields ErrWrongKey, letting the
// caller fall back to Blind without revealing whether the password was
// simply wrong or deliberately a decoy (plausible deniability).
func OpenByPassword(tx *store.Tx, repoId ids.ID, password string, salt crypto.Salt) (protocol.AccessMode, error) {
	readKey := crypto.DeriveKey(password, salt)

	valid, err := readSecret(tx, readKey, secretKeyName)
	if err != nil {
		return nil, ErrWrongKey
	}
	if string(valid) != string(protocol.ReadKeyValidator(repoId)[:]) {
		return nil, ErrWrongKey
	}

	if seedBytes, err := readSecret(tx, readKey, secretWriteSeedName); err == nil && len(seedBytes) == 32 {
		var seed [32]byte
		copy(seed[:], seedBytes)
		return protocol.Write{RepositoryId: repoId, ReadKey: readKey, WriteKeys: crypto.WriteKeysFromSeed(seed)}, nil
	}

	return protocol.Read{RepositoryId: repoId, ReadKey: readKey}, nil
}

// writeSecret seals plaintext under key with a fresh nonce and stores
// nonce‖ciphertext at the metadata_secret row named name.
func writeSecret(tx *store.Tx, key [32]byte, name string, plaintext []byte) error {
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return err
	}
	nonce, err := crypto.NewBlockNonce()
	if err != nil {
		return err
	}
	ciphertext := aead.Seal(nonce, plaintext)

	record := make([]byte, 0, len(nonce)+len(ciphertext))
	record = append(record, nonce[:]...)
	record = append(record, ciphertext...)
	return tx.Put(store.MetaSecretKey(name), record)
}

// readSecret loads and opens the metadata_secret row named name under key.
func readSecret(tx *store.Tx, key [32]byte, name string) ([]byte, error) {
	record, err := tx.Get(store.MetaSecretKey(name))
	if err != nil {
		return nil, err
	}
	var nonce crypto.BlockNonce
	if len(record) < len(nonce) {
		return nil, fmt.Errorf("repository: truncated secret record %q", name)
	}
	copy(nonce[:], record[:len(nonce)])
	ciphertext := record[len(nonce):]

	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nonce, ciphertext)
}
