package apsauth

import (
	"strings"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the APS developer API host.
const DefaultBaseURL = "https://developer.api.autodesk.com"

// APS OAuth scopes used by the session layer.
const (
	ScopeDataRead      = "data:read"
	ScopeDataCreate    = "data:create"
	ScopeDataWrite     = "data:write"
	ScopeViewablesRead = "viewables:read"
	ScopeAccountRead   = "account:read"
)

// Endpoint defines the OAuth2 endpoints for APS authentication v2.
var Endpoint = EndpointFor(DefaultBaseURL)

// EndpointFor returns the APS v2 authentication endpoints rooted at baseURL.
// Client credentials are sent in the Basic auth header.
func EndpointFor(baseURL string) oauth2.Endpoint {
	base := strings.TrimRight(baseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/authentication/v2/authorize",
		TokenURL:  base + "/authentication/v2/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}
