// Package idpclient drives the authorization code flow against the identity provider,
// both as relying party and as the authenticator holding the card.
package idpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gematik/zero-idp/pkg/util"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// OpenID Connect metadata of the identity provider
type Metadata struct {
	Issuer                           string   `json:"issuer" validate:"required,url"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint" validate:"required,url"`
	AlternativeAuthEndpoint          string   `json:"auth_pair_endpoint,omitempty" validate:"omitempty,url"`
	SsoEndpoint                      string   `json:"sso_endpoint" validate:"omitempty,url"`
	TokenEndpoint                    string   `json:"token_endpoint" validate:"required,url"`
	JwksURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	IdTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	SigningKeyURI                    string   `json:"uri_puk_idp_sig" validate:"required,url"`
	EncryptionKeyURI                 string   `json:"uri_puk_idp_enc" validate:"required,url"`
}

// ResponseError is an OAuth2 error answer of the identity provider.
type ResponseError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *ResponseError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Description, e.StatusCode)
}

func parseErrorResponse(statusCode int, body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading error response: %w", err)
	}
	respErr := &ResponseError{StatusCode: statusCode}
	if err := json.Unmarshal(data, respErr); err != nil || respErr.Code == "" {
		return fmt.Errorf("unexpected status code: %d, body: %s", statusCode, data)
	}
	return respErr
}

func get(ctx context.Context, httpClient *http.Client, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp.StatusCode, resp.Body)
	}
	return io.ReadAll(resp.Body)
}

func fetchMetadata(ctx context.Context, httpClient *http.Client, baseURL string) (*Metadata, error) {
	data, err := get(ctx, httpClient, strings.TrimSuffix(baseURL, "/")+"/.well-known/openid-configuration")
	if err != nil {
		return nil, fmt.Errorf("fetching discovery document: %w", err)
	}

	metadata, err := util.DecodeStruct[Metadata](data)
	if err != nil {
		return nil, fmt.Errorf("parsing discovery document: %w", err)
	}

	slog.Debug("Fetched OP metadata", "issuer", metadata.Issuer)

	return metadata, nil
}

// fetch and parse JWK from the given URI
func fetchKey(ctx context.Context, httpClient *http.Client, uri string) (jwk.Key, error) {
	data, err := get(ctx, httpClient, uri)
	if err != nil {
		return nil, fmt.Errorf("fetching JWK: %w", err)
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	return key, nil
}

// keySet wraps the signing key of the identity provider for jws and jwt verification.
func keySet(key jwk.Key) (jwk.Set, error) {
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("adding key: %w", err)
	}
	return set, nil
}
