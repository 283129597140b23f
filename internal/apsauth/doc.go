// Package apsauth provides three-legged OAuth2 token acquisition for
// Autodesk Platform Services (APS).
//
// APS accepts a scope parameter on refresh_token grants and uses it to mint
// tokens with a narrower (or different) capability set than the original
// grant. golang.org/x/oauth2 never sends a scope when refreshing, so the
// client injects it with a custom transport:
//
//	client := apsauth.NewClient(clientID, clientSecret, callbackURL)
//	internal, err := client.Exchange(ctx, code)
//	public, err := client.Refresh(ctx, internal.RefreshToken, []string{apsauth.ScopeViewablesRead})
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or custom timeouts):
//
//	client := apsauth.NewClient(
//		clientID, clientSecret, callbackURL,
//		apsauth.WithTransport(customTransport),
//	)
package apsauth
