package dl

import (
	"context"
	"io"
)

// Archive mirrors completed downloads to secondary storage.
type Archive interface {
	// Put stores content under key. size is -1 when not known in advance.
	// It returns a location string suitable for display.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)

	// Exists reports whether key has already been stored.
	Exists(ctx context.Context, key string) (bool, error)
}

// Encryptor encrypts archive copies with a public key and unlocks the
// private key for decryption on demand.
type Encryptor interface {
	// Setup generates a key pair, protecting the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt writes the ciphertext of r to w using the public key only.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a context that can decrypt.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// CompletionHook runs after a record reaches Complete. Hook failures are
// logged and do not change the record's state.
type CompletionHook interface {
	OnComplete(ctx context.Context, rec *DownloadRecord, item MediaItem) error
}
