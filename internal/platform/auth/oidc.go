package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OIDCProvider is the part of an issuer's discovery document the token
// validator needs.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

func newHTTPClient() *resty.Client {
	return resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
}

// NewOIDCProvider fetches <issuer>/.well-known/openid-configuration. Any
// OIDC-compliant provider works (Keycloak, Auth0, Okta).
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	return discover(newHTTPClient(), issuerURL)
}

func discover(client *resty.Client, issuerURL string) (*OIDCProvider, error) {
	discoveryURL := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"

	var provider OIDCProvider
	resp, err := client.R().SetResult(&provider).Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode())
	}
	if provider.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return &provider, nil
}
