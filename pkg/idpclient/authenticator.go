package idpclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ChallengeSignerFunc signs the challenge with the authentication key of a card
// and returns the compact JWS.
type ChallengeSignerFunc func(challenge Challenge) (string, error)

// SignWithSoftkey signs with a software key, e.g. of a test card.
func SignWithSoftkey(prk *ecdsa.PrivateKey, certificate *x509.Certificate) ChallengeSignerFunc {
	return func(challenge Challenge) (string, error) {
		headers := jws.NewHeaders()
		if err := headers.Set(jws.ContentTypeKey, token.ContentTypeNestedJWT); err != nil {
			return "", fmt.Errorf("setting cty header: %w", err)
		}
		chain := &cert.Chain{}
		if err := chain.AddString(base64.StdEncoding.EncodeToString(certificate.Raw)); err != nil {
			return "", fmt.Errorf("encoding certificate: %w", err)
		}
		if err := headers.Set(jws.X509CertChainKey, chain); err != nil {
			return "", fmt.Errorf("setting x5c header: %w", err)
		}

		njwt := jwt.New()
		if err := njwt.Set(token.ClaimNestedJWT, challenge.Challenge); err != nil {
			return "", fmt.Errorf("setting challenge: %w", err)
		}

		signed, err := token.Sign(njwt, jwa.ES256, prk, headers)
		if err != nil {
			return "", fmt.Errorf("signing challenge njwt: %w", err)
		}
		return string(signed), nil
	}
}

// Challenge sent from the identity provider to the authenticator
type Challenge struct {
	Challenge   string      `json:"challenge"`
	UserConsent UserConsent `json:"user_consent"`
}

// User consent of the challenge sent from the identity provider to the authenticator
type UserConsent struct {
	RequestedScopes map[string]string `json:"requested_scopes"`
	RequestedClaims map[string]string `json:"requested_claims"`
}

// Authenticator answers challenges of the identity provider in place of the user agent.
type Authenticator struct {
	Metadata   Metadata
	httpClient *http.Client
	signerFunc ChallengeSignerFunc
}

type AuthenticatorConfig struct {
	BaseURL    string
	SignerFunc ChallengeSignerFunc
	HTTPClient *http.Client
}

func NewAuthenticator(ctx context.Context, config AuthenticatorConfig) (*Authenticator, error) {
	if config.SignerFunc == nil {
		return nil, fmt.Errorf("signer function is required")
	}

	// redirects carry the code and are returned to the caller
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if config.HTTPClient != nil {
		clone := *config.HTTPClient
		httpClient = &clone
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	metadata, err := fetchMetadata(ctx, httpClient, config.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		Metadata:   *metadata,
		httpClient: httpClient,
		signerFunc: config.SignerFunc,
	}, nil
}

// CodeRedirectURL is the URL to which the user is redirected after authenticating
type CodeRedirectURL struct {
	*url.URL
	Code     string
	State    string
	SsoToken string
}

// Authenticate fetches the challenge of authURL, signs it with the signer function
// and returns the redirect carrying the authorization code.
func (a *Authenticator) Authenticate(ctx context.Context, authURL string) (*CodeRedirectURL, error) {
	challenge, claims, err := a.fetchChallenge(ctx, authURL)
	if err != nil {
		return nil, err
	}

	idpEncKey, err := fetchKey(ctx, a.httpClient, a.Metadata.EncryptionKeyURI)
	if err != nil {
		return nil, fmt.Errorf("fetching challenge encryption key: %w", err)
	}

	signedChallenge, err := a.signerFunc(*challenge)
	if err != nil {
		return nil, fmt.Errorf("signing challenge: %w", err)
	}

	challengeResponse, err := token.EncryptNested([]byte(signedChallenge), jwa.ECDH_ES, idpEncKey, claims.Expiration())
	if err != nil {
		return nil, fmt.Errorf("encrypting challenge response: %w", err)
	}

	return a.postForRedirect(ctx, a.Metadata.AuthorizationEndpoint, url.Values{
		"signed_challenge": {string(challengeResponse)},
	})
}

// AuthenticateSso answers the challenge of authURL with an SSO token of an earlier authentication.
func (a *Authenticator) AuthenticateSso(ctx context.Context, authURL, ssoToken string) (*CodeRedirectURL, error) {
	if a.Metadata.SsoEndpoint == "" {
		return nil, fmt.Errorf("identity provider has no sso endpoint")
	}
	challenge, _, err := a.fetchChallenge(ctx, authURL)
	if err != nil {
		return nil, err
	}
	return a.postForRedirect(ctx, a.Metadata.SsoEndpoint, url.Values{
		"ssotoken":           {ssoToken},
		"unsigned_challenge": {challenge.Challenge},
	})
}

// fetchChallenge gets the challenge and verifies it was signed by the identity provider.
func (a *Authenticator) fetchChallenge(ctx context.Context, authURL string) (*Challenge, jwt.Token, error) {
	data, err := get(ctx, a.httpClient, authURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching challenge: %w", err)
	}

	challenge := new(Challenge)
	if err := json.Unmarshal(data, challenge); err != nil {
		return nil, nil, fmt.Errorf("decoding challenge: %w", err)
	}

	slog.Debug("Challenge", "scopes", challenge.UserConsent.RequestedScopes, "claims", challenge.UserConsent.RequestedClaims)

	idpSigKey, err := fetchKey(ctx, a.httpClient, a.Metadata.SigningKeyURI)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching challenge signing key: %w", err)
	}
	claims, err := verifyChallenge(challenge.Challenge, idpSigKey)
	if err != nil {
		return nil, nil, err
	}
	if claims.Issuer() != a.Metadata.Issuer {
		return nil, nil, fmt.Errorf("challenge issued by %s, expected %s", claims.Issuer(), a.Metadata.Issuer)
	}

	return challenge, claims, nil
}

func verifyChallenge(challenge string, key jwk.Key) (jwt.Token, error) {
	set, err := keySet(key)
	if err != nil {
		return nil, err
	}
	claims, err := jwt.ParseString(challenge,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying challenge: %w", err)
	}
	return claims, nil
}

func (a *Authenticator) postForRedirect(ctx context.Context, endpoint string, form url.Values) (*CodeRedirectURL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to post challenge response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, resp.Body)
		}
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	codeRedirectURL, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("getting code redirect URL: %w", err)
	}

	return &CodeRedirectURL{
		URL:      codeRedirectURL,
		Code:     codeRedirectURL.Query().Get("code"),
		State:    codeRedirectURL.Query().Get("state"),
		SsoToken: codeRedirectURL.Query().Get("ssotoken"),
	}, nil
}
