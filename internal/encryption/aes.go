// Package encryption implements the authenticated-encryption service
// protecting snapshot content at rest: AES-256-GCM with a versioned
// envelope format and a key derived once from host-provided secret
// material.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"fim-go/internal/fim"
)

const (
	// envelopeVersion allows future key-derivation changes without
	// breaking stored data.
	envelopeVersion = 1

	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	// minimum envelope: version byte + nonce + tag (empty ciphertext).
	minEnvelopeSize = 1 + nonceSize + tagSize
)

// hkdfInfo binds derived keys to this purpose; changing it is a key change.
var hkdfInfo = []byte("fim-go snapshot encryption v1")

// AEADEncryptor implements fim.Encryptor with AES-256-GCM.
// The envelope layout is: version (1 byte) | nonce | tag | ciphertext.
type AEADEncryptor struct {
	aead cipher.AEAD
}

var _ fim.Encryptor = (*AEADEncryptor)(nil)

// NewAEADEncryptor derives a 256-bit key from the secret material via
// HKDF-SHA256 and caches the resulting cipher for the process lifetime.
// The secret itself is never stored alongside any ciphertext.
func NewAEADEncryptor(secret []byte) (*AEADEncryptor, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret material")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AEADEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. Identical plaintext
// never produces identical envelopes.
func (e *AEADEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	envelope := make([]byte, 0, 1+nonceSize+tagSize+len(ciphertext))
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Decrypt opens an envelope. Malformed input, unsupported versions, and
// authentication failures all return fim.ErrDecryptFailed and nothing
// else: no partial plaintext, no distinguishing detail.
func (e *AEADEncryptor) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < minEnvelopeSize {
		return nil, fim.ErrDecryptFailed
	}
	if envelope[0] != envelopeVersion {
		return nil, fim.ErrDecryptFailed
	}

	nonce := envelope[1 : 1+nonceSize]
	tag := envelope[1+nonceSize : 1+nonceSize+tagSize]
	ciphertext := envelope[1+nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fim.ErrDecryptFailed
	}
	return plaintext, nil
}
