package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned by Verify when a signature does not
// match its claimed signer.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// WriteKeys is a repository's write keypair. The public half doubles as
// the RepositoryId (spec.md §3: "Repository: ... RepositoryId = public
// half of the write keypair").
type WriteKeys struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateWriteKeys creates a fresh write keypair.
func GenerateWriteKeys() (*WriteKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate write keys: %w", err)
	}
	return &WriteKeys{Public: pub, Private: priv}, nil
}

// WriteKeysFromSeed deterministically derives a write keypair from a
// 32-byte seed, such as the one OpenByPassword decrypts from the
// repository's metadata.
func WriteKeysFromSeed(seed [32]byte) *WriteKeys {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return &WriteKeys{Public: pub, Private: priv}
}

// Signer is the interface the index and branch packages use to produce a
// Proof, mirroring the shape of a message signer elsewhere in the
// ecosystem: a single Sign method over an opaque byte message.
type Signer interface {
	// Sign returns a signature over msg.
	Sign(msg []byte) []byte
	// PublicKey returns the public key Verify checks signatures against.
	PublicKey() ed25519.PublicKey
}

// Sign implements Signer.
func (k *WriteKeys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// PublicKey implements Signer.
func (k *WriteKeys) PublicKey() ed25519.PublicKey {
	return k.Public
}

// Verify checks that sig is a valid Ed25519 signature over msg under
// publicKey.
func Verify(publicKey ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(publicKey, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
