package encryption

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// secretSize is the amount of random secret material generated for a new
// key file. The AEAD key is derived from it, never used directly.
const secretSize = 32

// GenerateKeyFile creates new random secret material at path. With an
// empty passphrase the secret is written raw with 0600 permissions; with a
// passphrase it is encrypted using age's scrypt-based passphrase
// encryption, mirroring how private keys are protected at rest.
func GenerateKeyFile(path string, passphrase string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating secret material: %w", err)
	}

	if passphrase == "" {
		if err := os.WriteFile(path, secret, 0600); err != nil {
			return fmt.Errorf("writing key file: %w", err)
		}
		return nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()

	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(secret); err != nil {
		return fmt.Errorf("writing encrypted secret: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted secret: %w", err)
	}

	return nil
}

// LoadSecret reads secret material from a key file. A non-empty passphrase
// means the file is age-encrypted; an empty one means raw bytes.
func LoadSecret(path string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	if passphrase == "" {
		if len(data) == 0 {
			return nil, fmt.Errorf("key file is empty: %s", path)
		}
		return data, nil
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("unlocking key file: %w", err)
	}

	secret, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading unlocked secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("key file contains no secret material")
	}
	return secret, nil
}
