package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptionFailed is returned when block ciphertext fails to
// authenticate under the repository's read key.
var ErrDecryptionFailed = errors.New("crypto: block decryption failed")

// BlockNonce is the per-write random nonce paired with a block's
// ciphertext (spec.md §3).
type BlockNonce [chacha20poly1305.NonceSize]byte

// NewBlockNonce returns a fresh random nonce, as required on every local
// write of a block (spec.md §3: "random per write").
func NewBlockNonce() (BlockNonce, error) {
	var n BlockNonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return n, nil
}

// AEAD encrypts and decrypts block payloads under a repository's read key
// using ChaCha20-Poly1305, the scheme spec.md §6 fixes for this format.
type AEAD struct {
	aead chacha20poly1305.AEAD
}

// NewAEAD constructs an AEAD bound to key, which must be 32 bytes (the
// repository's read key).
func NewAEAD(key [chacha20poly1305.KeySize]byte) (*AEAD, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts plaintext (expected to be exactly config.BlockSize bytes)
// under nonce, returning the ciphertext.
func (a *AEAD) Seal(nonce BlockNonce, plaintext []byte) []byte {
	return a.aead.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext produced by Seal with the same nonce.
func (a *AEAD) Open(nonce BlockNonce, ciphertext []byte) ([]byte, error) {
	pt, err := a.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
