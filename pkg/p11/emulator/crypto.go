package emulator

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// keyCryptorVersion is bound into the AEAD's additional data, so a
// ciphertext produced by one version of the on-disk format is rejected
// instead of silently misinterpreted by another.
const keyCryptorVersion = "xipki-emulator-v1"

// KeyCryptor wraps private-key material at rest: Argon2id for password
// stretching, XChaCha20-Poly1305 for authenticated encryption, and
// blake2b for the deterministic id hash the handle scheme needs (spec §3,
// §4.5).
type KeyCryptor struct{}

// DeriveKey stretches password+salt into a 32-byte XChaCha20-Poly1305 key.
func (KeyCryptor) DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext under key, prefixing the random nonce to the
// returned ciphertext.
func (KeyCryptor) Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("p11emu: key must be %d bytes", chacha20poly1305.KeySize)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("p11emu: read nonce: %w", err)
	}
	aead, _ := chacha20poly1305.NewX(key) // err is always nil for a 32-byte key
	sealed := aead.Seal(nil, nonce, plaintext, []byte(keyCryptorVersion))
	return append(nonce, sealed...), nil
}

// Open decrypts a blob produced by Seal.
func (KeyCryptor) Open(key, blob []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("p11emu: key must be %d bytes", chacha20poly1305.KeySize)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("p11emu: blob shorter than nonce")
	}
	nonce, sealed := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, _ := chacha20poly1305.NewX(key)
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(keyCryptorVersion))
	if err != nil {
		return nil, fmt.Errorf("p11emu: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// hash32 returns the low 32 bits of blake2b-256(id), the deterministic
// handle-generation hash mandated by spec §3 for the emulator backend.
func hash32(id []byte) uint32 {
	sum := blake2b.Sum256(id)
	return uint32(sum[28])<<24 | uint32(sum[29])<<16 | uint32(sum[30])<<8 | uint32(sum[31])
}
