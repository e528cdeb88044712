// Package crypter implements the at-rest envelope encryption used to protect
// every secret column the datastore core writes: aggregator/collector auth
// tokens, HPKE private keys, and VDAF verify keys.
//
// Ciphertexts are bound to the (table, row, column) they were written for via
// AEAD associated data, so a write-capable attacker cannot move an opaque
// ciphertext between rows or columns and have it decrypt successfully
// elsewhere.
package crypter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// keySize is the AES-128-GCM key size in bytes.
const keySize = 16

// nonceSize is the GCM nonce size in bytes.
const nonceSize = 12

// Crypter binds ciphertext to its storage location using AES-128-GCM.
// Decryption tries each configured key in order; the first (head of the
// slice) is the encryption key. Rotation prepends a new primary key while
// retaining old keys so historical ciphertexts remain decryptable.
type Crypter struct {
	keys [][]byte
}

// New constructs a Crypter from an ordered list of AES-128 keys, the first of
// which is primary (used for encryption). Construction fails if keys is empty
// or any key is not exactly 16 bytes.
func New(keys [][]byte) (*Crypter, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("crypter: at least one key is required")
	}
	copied := make([][]byte, len(keys))
	for i, k := range keys {
		if len(k) != keySize {
			return nil, fmt.Errorf("crypter: key %d is %d bytes, want %d (AES-128-GCM)", i, len(k), keySize)
		}
		copied[i] = append([]byte(nil), k...)
	}
	return &Crypter{keys: copied}, nil
}

// WithRotatedKey returns a new Crypter with newKey prepended as primary,
// retaining all of c's existing keys (in order) for decrypting historical
// values.
func (c *Crypter) WithRotatedKey(newKey []byte) (*Crypter, error) {
	if len(newKey) != keySize {
		return nil, fmt.Errorf("crypter: new key is %d bytes, want %d (AES-128-GCM)", len(newKey), keySize)
	}
	rotated := make([][]byte, 0, len(c.keys)+1)
	rotated = append(rotated, append([]byte(nil), newKey...))
	rotated = append(rotated, c.keys...)
	return &Crypter{keys: rotated}, nil
}

// associatedData builds the AAD binding a ciphertext to (table, row, column):
// len(table) || table || len(row) || row || len(column) || column, with
// 8-byte big-endian length prefixes.
func associatedData(table string, row []byte, column string) []byte {
	buf := make([]byte, 0, 8+len(table)+8+len(row)+8+len(column))
	buf = appendLengthPrefixed(buf, []byte(table))
	buf = appendLengthPrefixed(buf, row)
	buf = appendLengthPrefixed(buf, []byte(column))
	return buf
}

func appendLengthPrefixed(buf, value []byte) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, value...)
	return buf
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypter: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypter: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext for the given (table, row, column), using the
// primary (first) key. The returned ciphertext layout is
// ciphertext_and_tag || nonce, with a random 12-byte nonce appended.
func (c *Crypter) Encrypt(table string, row []byte, column string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(c.keys[0])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypter: generating nonce: %w", err)
	}
	aad := associatedData(table, row, column)
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	return append(sealed, nonce...), nil
}

// ErrDecryptionFailed indicates that no configured key could decrypt the
// ciphertext for the given (table, row, column) binding.
var ErrDecryptionFailed = fmt.Errorf("crypter: decryption failed under every configured key")

// Decrypt opens a ciphertext produced by Encrypt for the same (table, row,
// column). Every configured key is attempted in order; the first success
// wins. Returns ErrDecryptionFailed if no key succeeds, including when the
// binding does not match the one used at encryption time.
func (c *Crypter) Decrypt(table string, row []byte, column string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	sealed := ciphertext[:len(ciphertext)-nonceSize]
	nonce := ciphertext[len(ciphertext)-nonceSize:]
	aad := associatedData(table, row, column)

	for _, key := range c.keys {
		gcm, err := newGCM(key)
		if err != nil {
			continue
		}
		if plaintext, err := gcm.Open(nil, nonce, sealed, aad); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrDecryptionFailed
}
