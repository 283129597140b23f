package session

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMalformedCredentials is returned when a cookie value cannot be decoded
// into valid Credentials.
var ErrMalformedCredentials = errors.New("malformed session credentials")

// KeySize is the required length of a cookie sealing key.
const KeySize = chacha20poly1305.KeySize

// Codec converts Credentials to and from a cookie-safe string.
//
// Without a key the value is base64url-encoded JSON. With a key the JSON is
// sealed with XChaCha20-Poly1305, bound to the cookie name, and stored as
// base64url(nonce || ciphertext).
type Codec struct {
	aead cipher.AEAD
	name []byte
}

// NewCodec creates a Codec for the named cookie. An empty key disables sealing.
func NewCodec(name string, key []byte) (*Codec, error) {
	c := &Codec{name: []byte(name)}
	if len(key) == 0 {
		return c, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie key: %w", err)
	}
	c.aead = aead
	return c, nil
}

// Encode serializes creds into a cookie value.
func (c *Codec) Encode(creds *Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshaling credentials: %w", err)
	}

	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(data)+c.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("reading nonce: %w", err)
		}
		data = c.aead.Seal(nonce, nonce, data, c.name)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a cookie value produced by Encode. All failures wrap
// ErrMalformedCredentials.
func (c *Codec) Decode(value string) (*Credentials, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
	}

	if c.aead != nil {
		nonceSize := c.aead.NonceSize()
		if len(data) < nonceSize {
			return nil, fmt.Errorf("%w: sealed value is too short", ErrMalformedCredentials)
		}
		data, err = c.aead.Open(nil, data[:nonceSize], data[nonceSize:], c.name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
		}
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
	}
	if creds.RefreshToken == "" || creds.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: missing refresh token or expiry", ErrMalformedCredentials)
	}

	return &creds, nil
}
