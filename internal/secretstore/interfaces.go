package secretstore

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by stores that cannot persist a secret.
var ErrReadOnly = errors.New("secret storage is read-only")

// SecretStore reads and writes the client secret to persistent storage.
type SecretStore interface {
	// Read returns the stored secret. Returns error if the secret is missing or empty.
	Read(ctx context.Context) (string, error)

	// Write persists the secret. Returns ErrReadOnly if the backend is
	// read-only (e.g., environment variables) or an error if the write fails.
	Write(ctx context.Context, secret string) error
}
