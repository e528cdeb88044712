package crypter

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T, b byte) []byte {
	t.Helper()
	k := make([]byte, keySize)
	for i := range k {
		k[i] = b
	}
	return k
}

// TestRoundTrip covers spec.md scenario S6: encrypt/decrypt round trip, and
// decryption failure when table, row, or column change.
func TestRoundTrip(t *testing.T) {
	c, err := New([][]byte{mustKey(t, 0x01)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := c.Encrypt("t", []byte("r"), "c", []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := c.Decrypt("t", []byte("r"), "c", ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("got %q, want %q", pt, "hello")
	}

	cases := []struct {
		name         string
		table, col   string
		row          []byte
	}{
		{"table changed", "t2", "c", []byte("r")},
		{"row changed", "t", "c", []byte("r2")},
		{"column changed", "t", "c2", []byte("r")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decrypt(tc.table, tc.row, tc.col, ct); err != ErrDecryptionFailed {
				t.Fatalf("got err %v, want ErrDecryptionFailed", err)
			}
		})
	}
}

// TestKeyRotation verifies that after rotating in a new primary key, the
// old key (now secondary) still decrypts historical ciphertexts.
func TestKeyRotation(t *testing.T) {
	oldKey := mustKey(t, 0x01)
	c, err := New([][]byte{oldKey})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := c.Encrypt("t", []byte("r"), "c", []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	rotated, err := c.WithRotatedKey(mustKey(t, 0x02))
	if err != nil {
		t.Fatalf("WithRotatedKey: %v", err)
	}

	pt, err := rotated.Decrypt("t", []byte("r"), "c", ct)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("got %q, want %q", pt, "hello")
	}

	// New writes use the new primary key.
	newCT, err := rotated.Encrypt("t", []byte("r"), "c", []byte("world"))
	if err != nil {
		t.Fatalf("Encrypt with rotated primary: %v", err)
	}
	if _, err := c.Decrypt("t", []byte("r"), "c", newCT); err != ErrDecryptionFailed {
		t.Fatalf("old crypter should not decrypt new-primary-key ciphertext, got err %v", err)
	}
}

func TestConstructionRejectsEmptyOrBadKeys(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty key set")
	}
	if _, err := New([][]byte{{0x01, 0x02}}); err == nil {
		t.Fatal("expected error for non-16-byte key")
	}
}
