package encryption

import (
	"bytes"

	"fim-go/internal/fim"
)

// testHeader is prepended to data by TestEncryptor to make encrypted
// output clearly different from plaintext while remaining deterministic
// and reversible.
var testHeader = []byte("FIMENC\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for testing. It
// prepends a fixed header during encryption and strips it during
// decryption, requiring no crypto and no key material.
type TestEncryptor struct{}

var _ fim.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plaintext))
	out = append(out, testHeader...)
	out = append(out, plaintext...)
	return out, nil
}

func (e *TestEncryptor) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < len(testHeader) || !bytes.Equal(envelope[:len(testHeader)], testHeader) {
		return nil, fim.ErrDecryptFailed
	}
	return append([]byte(nil), envelope[len(testHeader):]...), nil
}
