package idpclient_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/idpclient"
	"github.com/gematik/zero-idp/pkg/idpserver"
	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirectURI = "https://app.example.com/cb"

type testIDP struct {
	url       string
	responder *ca.MockOCSPResponder
	cert      *x509.Certificate
	certPrK   *ecdsa.PrivateKey
}

func startIdentityProvider(t *testing.T) *testIDP {
	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)
	cert, prk, err := testCA.IssueCertificate(
		ca.PersonSubject("Erika", "Mustermann", "X123456789"),
		ca.WithAdmission("Versicherte/-r", ca.ProfessionOIDInsured, ""),
	)
	require.NoError(t, err)

	responder := ca.NewMockOCSPResponder(testCA)
	ocspServer := httptest.NewServer(responder)
	t.Cleanup(ocspServer.Close)

	dir := t.TempDir()
	caPEM, err := ca.EncodeCertToPEM(testCA.IssuerCertificate())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), []byte(caPEM), 0600))

	e := echo.New()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	server, err := idpserver.New(&idpserver.Config{
		BaseDir:     dir,
		Address:     "localhost:0",
		Issuer:      srv.URL,
		SubjectSalt: "pepper",
		Clients: []idpserver.ClientConfig{
			{ID: "client-A", RedirectURIs: []string{testRedirectURI}, SsoEnabled: true},
		},
		Scopes: []idpserver.ScopeConfig{
			{ID: idp.ScopeOpenID},
			{ID: "svc-x", Claims: []string{idp.ClaimIDNumber, idp.ClaimGivenName}, Service: "svc-x"},
		},
		Services: []idpserver.ServiceConfig{
			{ID: "svc-x", Audience: "https://svc-x.example.com", SectorIdentifier: "https://svc-x.example.com"},
		},
		Revocation: idpserver.RevocationConfig{
			ResponderURL:     ocspServer.URL,
			TrustAnchorsPath: "ca.pem",
		},
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)
	server.MountRoutes(e.Group(""))

	return &testIDP{url: srv.URL, responder: responder, cert: cert, certPrK: prk}
}

func (p *testIDP) clients(t *testing.T) (*idpclient.Client, *idpclient.Authenticator) {
	ctx := context.Background()
	client, err := idpclient.NewClient(ctx, idpclient.ClientConfig{
		BaseURL:     p.url,
		ClientID:    "client-A",
		RedirectURI: testRedirectURI,
		Scopes:      []string{idp.ScopeOpenID, "svc-x"},
	})
	require.NoError(t, err)
	authenticator, err := idpclient.NewAuthenticator(ctx, idpclient.AuthenticatorConfig{
		BaseURL:    p.url,
		SignerFunc: idpclient.SignWithSoftkey(p.certPrK, p.cert),
	})
	require.NoError(t, err)
	return client, authenticator
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	provider := startIdentityProvider(t)
	client, authenticator := provider.clients(t)
	assert.Equal(t, provider.url, client.Issuer())
	assert.Equal(t, provider.url+"/auth/sso", authenticator.Metadata.SsoEndpoint)

	session, err := oauth2.NewClientSession(client)
	require.NoError(t, err)

	redirect, err := authenticator.Authenticate(ctx, session.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, session.State, redirect.State)
	assert.Equal(t, "app.example.com", redirect.Host)
	require.NotEmpty(t, redirect.SsoToken)

	resp, err := client.Exchange(ctx, redirect.Code, session.Verifier)
	require.NoError(t, err)
	idToken, err := client.ParseIDToken(ctx, resp, session.Nonce)
	require.NoError(t, err)
	assert.Equal(t, []string{"client-A"}, idToken.Audience())
	assert.Equal(t, idp.PairwiseSubject("https://svc-x.example.com", "X123456789", "pepper"), idToken.Subject())
	givenName, _ := idToken.Get(idp.ClaimGivenName)
	assert.Equal(t, "Erika", givenName)

	// the code is single use
	_, err = client.Exchange(ctx, redirect.Code, session.Verifier)
	var respErr *idpclient.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
	assert.Equal(t, oauth2.ErrorCodeInvalidGrant, respErr.Code)

	// single sign-on without the card
	ssoSession, err := oauth2.NewClientSession(client)
	require.NoError(t, err)
	ssoRedirect, err := authenticator.AuthenticateSso(ctx, ssoSession.AuthURL, redirect.SsoToken)
	require.NoError(t, err)
	assert.Equal(t, ssoSession.State, ssoRedirect.State)
	assert.Empty(t, ssoRedirect.SsoToken)

	ssoResp, err := client.Exchange(ctx, ssoRedirect.Code, ssoSession.Verifier)
	require.NoError(t, err)
	ssoIDToken, err := client.ParseIDToken(ctx, ssoResp, ssoSession.Nonce)
	require.NoError(t, err)
	assert.Equal(t, idToken.Subject(), ssoIDToken.Subject())
}

func TestParseIDTokenRejects(t *testing.T) {
	ctx := context.Background()
	provider := startIdentityProvider(t)
	client, authenticator := provider.clients(t)

	session, err := oauth2.NewClientSession(client)
	require.NoError(t, err)
	redirect, err := authenticator.Authenticate(ctx, session.AuthURL)
	require.NoError(t, err)
	resp, err := client.Exchange(ctx, redirect.Code, session.Verifier)
	require.NoError(t, err)

	_, err = client.ParseIDToken(ctx, resp, "another-nonce")
	assert.Error(t, err)

	tampered := *resp
	tampered.AccessToken = resp.IDToken
	_, err = client.ParseIDToken(ctx, &tampered, session.Nonce)
	assert.ErrorContains(t, err, "at_hash")
}

func TestAuthenticateRevokedCard(t *testing.T) {
	provider := startIdentityProvider(t)
	client, authenticator := provider.clients(t)
	provider.responder.Revoke(provider.cert)

	session, err := oauth2.NewClientSession(client)
	require.NoError(t, err)
	_, err = authenticator.Authenticate(context.Background(), session.AuthURL)

	var respErr *idpclient.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
	assert.Equal(t, oauth2.ErrorCodeAccessDenied, respErr.Code)
}

func TestAuthenticateFailures(t *testing.T) {
	provider := startIdentityProvider(t)
	client, authenticator := provider.clients(t)

	session, err := oauth2.NewClientSession(client)
	require.NoError(t, err)

	failing, err := idpclient.NewAuthenticator(context.Background(), idpclient.AuthenticatorConfig{
		BaseURL: provider.url,
		SignerFunc: func(challenge idpclient.Challenge) (string, error) {
			return "", errors.New("card removed")
		},
	})
	require.NoError(t, err)
	_, err = failing.Authenticate(context.Background(), session.AuthURL)
	assert.ErrorContains(t, err, "card removed")

	// an incomplete authorization request
	_, err = authenticator.Authenticate(context.Background(), provider.url+"/auth?response_type=code")
	var respErr *idpclient.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
}

func TestNewClientRejects(t *testing.T) {
	ctx := context.Background()

	_, err := idpclient.NewClient(ctx, idpclient.ClientConfig{BaseURL: "https://idp.example.com"})
	assert.Error(t, err)

	notFound := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(notFound.Close)
	_, err = idpclient.NewClient(ctx, idpclient.ClientConfig{
		BaseURL:     notFound.URL,
		ClientID:    "client-A",
		RedirectURI: testRedirectURI,
		Scopes:      []string{idp.ScopeOpenID},
	})
	assert.ErrorContains(t, err, "discovery document")

	incomplete := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer":"https://idp.example.com"}`))
	}))
	t.Cleanup(incomplete.Close)
	_, err = idpclient.NewAuthenticator(ctx, idpclient.AuthenticatorConfig{
		BaseURL:    incomplete.URL,
		SignerFunc: func(idpclient.Challenge) (string, error) { return "", nil },
	})
	assert.ErrorContains(t, err, "discovery document")

	_, err = idpclient.NewAuthenticator(ctx, idpclient.AuthenticatorConfig{BaseURL: incomplete.URL})
	assert.Error(t, err)
}
