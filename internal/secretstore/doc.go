// Package secretstore provides storage backends for the APS client secret.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - Env: Read-only environment variable access (APS_CLIENT_SECRET by default)
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Only file and keyring storage can be written with `aps-session secret set`.
package secretstore
