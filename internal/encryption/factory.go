package encryption

import (
	"fmt"
	"os"

	"fim-go/internal/config"
	"fim-go/internal/fim"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. For protected key files the passphrase is taken from the
// FIM_PASSPHRASE environment variable (set by the CLI after prompting).
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (fim.Encryptor, error) {
	switch cfg.Type {
	case "aes", "":
		passphrase := ""
		if cfg.Protected {
			passphrase = os.Getenv("FIM_PASSPHRASE")
			if passphrase == "" {
				return nil, fmt.Errorf("key file is passphrase-protected but FIM_PASSPHRASE is not set")
			}
		}
		secret, err := LoadSecret(cfg.KeyPath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("loading secret material: %w", err)
		}
		return NewAEADEncryptor(secret)
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
