package fim

import "errors"

// ErrDecryptFailed is the single failure signal for all decryption
// problems: malformed envelopes, unsupported versions, and authentication
// failures are indistinguishable to callers. Decryption fails closed and
// never returns partial plaintext.
var ErrDecryptFailed = errors.New("decryption failed")

// Encryptor is the authenticated-encryption primitive protecting snapshot
// content at rest. Every Encrypt draws a fresh nonce, so encrypting the
// same plaintext twice yields different envelopes.
type Encryptor interface {
	// Encrypt seals plaintext into a versioned, self-describing envelope.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens an envelope. Any failure returns ErrDecryptFailed.
	Decrypt(envelope []byte) ([]byte, error)
}
