package server

import (
	"errors"
	"strings"
	"testing"
)

func TestRegisterPublicClientDefaults(t *testing.T) {
	cr := NewClientRegistry()
	resp, err := cr.Register(RegistrationRequest{RedirectURIs: []string{"http://localhost:3000/cb"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.ClientSecret != "" || resp.ClientSecretExpiresAt != nil {
		t.Fatalf("public client got a secret: %+v", resp)
	}
	if resp.TokenEndpointAuthMethod != "none" {
		t.Fatalf("auth method = %q", resp.TokenEndpointAuthMethod)
	}
	if len(resp.GrantTypes) != 1 || resp.GrantTypes[0] != "authorization_code" {
		t.Fatalf("grant types = %v", resp.GrantTypes)
	}
	if len(resp.ResponseTypes) != 1 || resp.ResponseTypes[0] != "code" {
		t.Fatalf("response types = %v", resp.ResponseTypes)
	}

	client, ok := cr.Get(resp.ClientID)
	if !ok || !client.Public() {
		t.Fatalf("stored client = %+v, %v", client, ok)
	}
	if _, err := cr.Authenticate(resp.ClientID, "", false); err != nil {
		t.Fatalf("public client authentication: %v", err)
	}
}

func TestRegisterClientIDsAreUnique(t *testing.T) {
	cr := NewClientRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		resp, err := cr.Register(RegistrationRequest{RedirectURIs: []string{"https://app.example.com/cb"}})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if seen[resp.ClientID] {
			t.Fatalf("duplicate client id %s", resp.ClientID)
		}
		seen[resp.ClientID] = true
	}
	if cr.Len() != 200 {
		t.Fatalf("Len = %d", cr.Len())
	}
}

func TestConfidentialClientAuthentication(t *testing.T) {
	cr := NewClientRegistry()
	resp, err := cr.Register(RegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: "client_secret_basic",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.ClientSecret == "" || resp.ClientSecretExpiresAt == nil || *resp.ClientSecretExpiresAt != 0 {
		t.Fatalf("confidential registration = %+v", resp)
	}

	client, _ := cr.Get(resp.ClientID)
	if strings.Contains(string(client.SecretHash), resp.ClientSecret) {
		t.Fatalf("secret stored in clear")
	}

	tests := []struct {
		name     string
		secret   string
		viaBasic bool
		ok       bool
	}{
		{"basic with secret", resp.ClientSecret, true, true},
		{"post instead of basic", resp.ClientSecret, false, false},
		{"wrong secret", "wrong", true, false},
		{"no secret", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cr.Authenticate(resp.ClientID, tt.secret, tt.viaBasic)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil {
				var oe *OAuthError
				if !errors.As(err, &oe) || oe.Code != "invalid_client" {
					t.Fatalf("err = %v, want invalid_client", err)
				}
			}
		})
	}
}

func TestRegistrationValidation(t *testing.T) {
	tests := []struct {
		name string
		req  RegistrationRequest
		ok   bool
	}{
		{"https redirect", RegistrationRequest{RedirectURIs: []string{"https://app.example.com/cb"}}, true},
		{"loopback ip", RegistrationRequest{RedirectURIs: []string{"http://127.0.0.1:33418/callback"}}, true},
		{"ipv6 loopback", RegistrationRequest{RedirectURIs: []string{"http://[::1]:8080/cb"}}, true},
		{"native scheme", RegistrationRequest{RedirectURIs: []string{"com.example.app:/oauth2redirect"}}, true},
		{"no redirects", RegistrationRequest{}, false},
		{"plain http", RegistrationRequest{RedirectURIs: []string{"http://app.example.com/cb"}}, false},
		{"fragment", RegistrationRequest{RedirectURIs: []string{"https://app.example.com/cb#frag"}}, false},
		{"userinfo", RegistrationRequest{RedirectURIs: []string{"https://user@app.example.com/cb"}}, false},
		{"javascript", RegistrationRequest{RedirectURIs: []string{"javascript:alert(1)"}}, false},
		{"data", RegistrationRequest{RedirectURIs: []string{"data:text/html,hi"}}, false},
		{"protocol relative", RegistrationRequest{RedirectURIs: []string{"//evil.example/cb"}}, false},
		{"relative", RegistrationRequest{RedirectURIs: []string{"/cb"}}, false},
		{"implicit only", RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, ResponseTypes: []string{"token"}}, false},
		{"unknown scope", RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, Scope: "openid admin"}, false},
		{"supported scope", RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, Scope: "openid email"}, true},
		{"long name", RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, ClientName: strings.Repeat("n", 300)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := validateRegistration(&req)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil {
				var oe *OAuthError
				if !errors.As(err, &oe) || oe.Code != "invalid_client_metadata" {
					t.Fatalf("err = %v, want invalid_client_metadata", err)
				}
			}
		})
	}
}

func TestValidRedirectRequiresExactMatch(t *testing.T) {
	c := &Client{RedirectURIs: []string{"https://app.example.com/cb"}}
	tests := map[string]bool{
		"https://app.example.com/cb":      true,
		"https://app.example.com/cb/":     false,
		"https://app.example.com/cb?x=1":  false,
		"https://APP.example.com/cb":      false,
		"https://app.example.com.evil/cb": false,
		"":                                false,
	}
	for uri, want := range tests {
		if got := c.ValidRedirect(uri); got != want {
			t.Errorf("ValidRedirect(%q) = %v, want %v", uri, got, want)
		}
	}
}
