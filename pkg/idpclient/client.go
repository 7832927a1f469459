package idpclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/gematik/zero-idp/pkg/util"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Payload of the token key sent from the client to the identity provider
// to encrypt the token(s) when exchanging the authorization code
type TokenKeyPayload struct {
	TokenKey     string `json:"token_key"`
	CodeVerifier string `json:"code_verifier"`
}

type ClientConfig struct {
	BaseURL     string   `validate:"required,url"`
	ClientID    string   `validate:"required"`
	RedirectURI string   `validate:"required,url"`
	Scopes      []string `validate:"required,min=1"`
	HTTPClient  *http.Client
}

// Client is the relying party of the identity provider.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	Metadata   Metadata
}

var _ oauth2.Client = (*Client)(nil)

func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	if err := util.Validator().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	metadata, err := fetchMetadata(ctx, httpClient, config.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		Metadata:   *metadata,
	}, nil
}

func (c *Client) AuthCodeURL(state, nonce, verifier string) (string, error) {
	query := url.Values{}
	query.Add("client_id", c.config.ClientID)
	query.Add("redirect_uri", c.config.RedirectURI)
	query.Add("response_type", oauth2.ResponseTypeCode)
	query.Add("scope", strings.Join(c.config.Scopes, " "))
	query.Add("state", state)
	if nonce != "" {
		query.Add("nonce", nonce)
	}
	query.Add("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	query.Add("code_challenge_method", string(oauth2.CodeChallengeMethodS256))

	return fmt.Sprintf("%s?%s", c.Metadata.AuthorizationEndpoint, query.Encode()), nil
}

// Exchange redeems the code. The tokens of the response are decrypted, so AccessToken and
// IDToken hold the signed JWTs.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.TokenResponse, error) {
	// 32 bytes random key to encrypt the token
	tokenKeyBytes := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, tokenKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("generating token key: %w", err)
	}

	idpEncKey, err := fetchKey(ctx, c.httpClient, c.Metadata.EncryptionKeyURI)
	if err != nil {
		return nil, fmt.Errorf("fetching encryption key: %w", err)
	}

	tokenKeyPayloadBytes, err := json.Marshal(TokenKeyPayload{
		TokenKey:     base64.RawURLEncoding.EncodeToString(tokenKeyBytes),
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling token key payload: %w", err)
	}

	keyVerifier, err := token.Encrypt(tokenKeyPayloadBytes, jwa.ECDH_ES, idpEncKey, "", time.Time{})
	if err != nil {
		return nil, fmt.Errorf("encrypting token key: %w", err)
	}

	params := url.Values{}
	params.Set("grant_type", oauth2.GrantTypeAuthorizationCode)
	params.Set("client_id", c.config.ClientID)
	params.Set("redirect_uri", c.config.RedirectURI)
	params.Set("code", code)
	params.Set("key_verifier", string(keyVerifier))

	slog.Debug("Exchanging code for token", "url", c.Metadata.TokenEndpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Metadata.TokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp.StatusCode, resp.Body)
	}

	var tokenResp oauth2.TokenResponse
	err = json.NewDecoder(resp.Body).Decode(&tokenResp)
	if err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}

	tokenResp.IDToken, err = decryptToken(ctx, tokenResp.IDToken, tokenKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("decrypting ID token: %w", err)
	}

	tokenResp.AccessToken, err = decryptToken(ctx, tokenResp.AccessToken, tokenKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}

	return &tokenResp, nil
}

func decryptToken(ctx context.Context, encrypted string, key []byte) (string, error) {
	parser := &token.CompactParser{
		Decryption: &token.Decryption{Algorithm: jwa.DIRECT, Key: key},
		Nested:     true,
	}
	tok, err := parser.Parse(ctx, encrypted)
	if err != nil {
		return "", err
	}
	return string(tok.Signed), nil
}

// ParseIDToken verifies the ID token of a decrypted token response, including nonce and at_hash.
func (c *Client) ParseIDToken(ctx context.Context, response *oauth2.TokenResponse, nonce string) (jwt.Token, error) {
	key, err := fetchKey(ctx, c.httpClient, c.Metadata.SigningKeyURI)
	if err != nil {
		return nil, fmt.Errorf("fetching signing key: %w", err)
	}
	set, err := keySet(key)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithIssuer(c.Metadata.Issuer),
		jwt.WithAudience(c.config.ClientID),
		jwt.WithRequiredClaim("exp"),
	}
	if nonce != "" {
		opts = append(opts, jwt.WithClaimValue("nonce", nonce))
	}
	idToken, err := jwt.ParseString(response.IDToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse id token: %w", err)
	}

	atHash, _ := token.StringClaim(idToken, "at_hash", false)
	if atHash != accessTokenHash(response.AccessToken) {
		return nil, fmt.Errorf("at_hash does not match access token")
	}

	return idToken, nil
}

// left half of the SHA-256 of the access token
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (c *Client) Issuer() string {
	return c.Metadata.Issuer
}

func (c *Client) ClientID() string {
	return c.config.ClientID
}
