package efsvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
)

const (
	keySize   = 32 // AES-256
	saltSize  = 16
	nonceSize = 12 // AES-GCM standard nonce size
	tagSize   = 16 // AES-GCM authentication tag
)

// deriveMasterKey computes Kmaster = Argon2id(SHA3-512(passphrase), salt,
// params) -> 32 bytes. The SHA3-512 pre-hash normalizes an arbitrary-length
// passphrase to the 64-byte secret Argon2id expects.
func deriveMasterKey(passphrase string, salt []byte, params KDFParams) []byte {
	prehash := sha3.Sum512([]byte(passphrase))
	return argon2.IDKey(prehash[:], salt, params.TimeCost, params.MemoryCostKiB, uint8(params.Parallelism), keySize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("aead key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// aeadEncrypt generates a fresh random nonce and seals plaintext under key
// with no associated data, returning (nonce, ciphertext||tag).
func aeadEncrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = randomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// aeadDecrypt opens ciphertext||tag under key and nonce with no associated
// data. Any tag mismatch is reported as AuthenticationFailure, never
// distinguished from a wrong key.
func aeadDecrypt(key, nonce, ciphertext []byte, op string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, newErr(IOFailure, op, "", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, newErr(AuthenticationFailure, op, "", fmt.Errorf("bad nonce size %d", len(nonce)))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, newErr(AuthenticationFailure, op, "", err)
	}
	return plaintext, nil
}

// zero overwrites b with zero bytes. Best-effort: the Go runtime may have
// copied the backing array elsewhere (e.g. during a GC move or an earlier
// append), but this still bounds the lifetime of the one copy we control.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
