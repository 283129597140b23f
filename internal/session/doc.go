// Package session keeps APS credentials in a browser cookie.
//
// A session holds two access tokens minted from the same authorization: an
// internal token with data and account scopes that never leaves the server,
// and a public viewables:read token that client-side viewer code may use.
// Both are refreshed together once either expires.
package session
