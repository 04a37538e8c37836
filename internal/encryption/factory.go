package encryption

import (
	"fmt"

	"chandl/internal/config"
	"chandl/internal/dl"
)

// NewEncryptorFromConfig returns the configured encryptor, or nil when
// archive copies are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (dl.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
