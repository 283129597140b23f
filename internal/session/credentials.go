package session

import (
	"time"
)

// Credentials is the token set persisted in the session cookie.
type Credentials struct {
	// InternalToken is the broad-scope access token. Never sent to the browser.
	InternalToken string `json:"internal_token"`
	// PublicToken is the viewables:read access token handed to client-side code.
	PublicToken  string `json:"public_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the expiry of InternalToken.
	ExpiresAt time.Time `json:"expires_at"`
	// PublicExpiresAt is the expiry of PublicToken. Zero for cookies written
	// before it was tracked, in which case ExpiresAt applies.
	PublicExpiresAt time.Time `json:"public_expires_at,omitzero"`
}

// publicExpiry returns the best known expiry of the public token.
func (c *Credentials) publicExpiry() time.Time {
	if c.PublicExpiresAt.IsZero() {
		return c.ExpiresAt
	}
	return c.PublicExpiresAt
}

// Expired reports whether either token is past its expiry at now.
func (c *Credentials) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt) || now.After(c.publicExpiry())
}

// ExpiresIn returns the whole seconds left on the public token, never negative.
func (c *Credentials) ExpiresIn(now time.Time) int {
	remaining := c.publicExpiry().Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}
