package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KDF parameters. Argon2id with these costs takes roughly 50-100ms on
// commodity hardware as of this writing; tune alongside a benchmark if the
// target device class changes.
var (
	KDFTime    uint32 = 3
	KDFMemory  uint32 = 64 * 1024 // KiB
	KDFThreads uint8  = 4
	KDFKeyLen  uint32 = 32
	SaltLen           = 16
)

// Salt is a password_salt value (spec.md §6's on-disk layout table).
type Salt [16]byte

// NewSalt returns a fresh random salt for DeriveKey.
func NewSalt() (Salt, error) {
	var s Salt
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return s, nil
}

// DeriveKey derives a 32-byte key from password and salt using Argon2id,
// the password→key derivation step of spec.md §1/§6. The same (password,
// salt) pair always yields the same key, which is what lets a device
// re-derive its read key from a remembered password.
func DeriveKey(password string, salt Salt) [32]byte {
	out := argon2.IDKey([]byte(password), salt[:], KDFTime, KDFMemory, KDFThreads, KDFKeyLen)
	var key [32]byte
	copy(key[:], out)
	return key
}
