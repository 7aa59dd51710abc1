package server

import "strings"

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

var supportedScopes = []string{"openid", "email", "profile"}

// BuildAuthorizationServerMetadata constructs the RFC 8414 document.
func BuildAuthorizationServerMetadata(cfg Config) DiscoveryDocument {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	doc := DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"response_types_supported":              []string{responseTypeCode},
		"response_modes_supported":              []string{"query"},
		"grant_types_supported":                 []string{grantAuthorizationCode},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      supportedScopes,
		"token_endpoint_auth_methods_supported": []string{authMethodNone, authMethodClientSecretPost, authMethodClientSecretBasic},
	}
	if cfg.Tokens.Algorithm == "RS256" {
		doc["jwks_uri"] = issuer + "/.well-known/jwks.json"
	}
	return doc
}

// BuildProtectedResourceMetadata constructs the RFC 9728 document for the MCP endpoints.
func BuildProtectedResourceMetadata(cfg Config) DiscoveryDocument {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	return DiscoveryDocument{
		"resource":                 issuer,
		"authorization_servers":    []string{issuer},
		"scopes_supported":         supportedScopes,
		"bearer_methods_supported": []string{"header"},
		"resource_name":            cfg.MCP.Name,
	}
}

// ProtectedResourceMetadataURL is advertised in WWW-Authenticate challenges.
func ProtectedResourceMetadataURL(publicURL string) string {
	return strings.TrimSuffix(publicURL, "/") + "/.well-known/oauth-protected-resource"
}

// normalizeScope checks every requested scope is supported. Empty means all.
func normalizeScope(scope string) (string, bool) {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return strings.Join(supportedScopes, " "), true
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		ok := false
		for _, s := range supportedScopes {
			if f == s {
				ok = true
				break
			}
		}
		if !ok {
			return "", false
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return strings.Join(out, " "), true
}
