package idpserver_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/idpserver"
	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer       = "https://idp.example.com"
	testTenantIssuer = "https://tenant.example.com"
	testRedirectURI  = "https://app.example.com/cb?tenant=1"
	testVerifier     = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge    = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type testEnv struct {
	t         *testing.T
	e         *echo.Echo
	server    *idpserver.Server
	responder *ca.MockOCSPResponder
	now       time.Time
	cert      *x509.Certificate
	certPrK   *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T, opts ...idpserver.Option) *testEnv {
	env := &testEnv{
		t:   t,
		now: time.Now().Truncate(time.Second),
	}

	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)
	env.cert, env.certPrK, err = testCA.IssueCertificate(
		ca.PersonSubject("Erika", "Mustermann", "X123456789"),
		ca.WithAdmission("Versicherte/-r", ca.ProfessionOIDInsured, ""),
	)
	require.NoError(t, err)

	env.responder = ca.NewMockOCSPResponder(testCA)
	responder := httptest.NewServer(env.responder)
	t.Cleanup(responder.Close)

	dir := t.TempDir()
	caPEM, err := ca.EncodeCertToPEM(testCA.IssuerCertificate())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), []byte(caPEM), 0600))

	codeKey := make([]byte, 32)
	_, err = rand.Read(codeKey)
	require.NoError(t, err)

	cfg := &idpserver.Config{
		BaseDir:       dir,
		Address:       "localhost:8080",
		Issuer:        testIssuer,
		IssuersByHost: map[string]string{"tenant.example.com": testTenantIssuer},
		CodeKey:       base64.StdEncoding.EncodeToString(codeKey),
		SubjectSalt:   "pepper",
		Clients: []idpserver.ClientConfig{
			{ID: "client-A", RedirectURIs: []string{testRedirectURI}, SsoEnabled: true},
		},
		Scopes: []idpserver.ScopeConfig{
			{ID: idp.ScopeOpenID, Description: "OpenID Connect"},
			{ID: "svc-x", Claims: []string{idp.ClaimIDNumber, idp.ClaimGivenName, idp.ClaimFamilyName}, Service: "svc-x"},
		},
		Services: []idpserver.ServiceConfig{
			{ID: "svc-x", Audience: "https://svc-x.example.com", SectorIdentifier: "https://svc-x.example.com"},
		},
		Revocation: idpserver.RevocationConfig{
			ResponderURL:     responder.URL,
			TrustAnchorsPath: "ca.pem",
		},
	}

	opts = append([]idpserver.Option{
		idpserver.WithClock(token.ClockFunc(func() time.Time { return env.now })),
	}, opts...)
	env.server, err = idpserver.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(env.server.Close)

	env.e = echo.New()
	env.server.MountRoutes(env.e.Group(""))
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return env.do(req)
}

func (env *testEnv) challenge() string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-A"},
		"state":                 {"xyz"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid svc-x"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/auth?"+params.Encode(), nil))
	require.Equal(env.t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Challenge   string          `json:"challenge"`
		UserConsent idp.UserConsent `json:"user_consent"`
	}
	require.NoError(env.t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Contains(env.t, result.UserConsent.RequestedClaims, idp.ClaimIDNumber)
	return result.Challenge
}

func (env *testEnv) encryptionKey() jwk.Key {
	rec := env.do(httptest.NewRequest(http.MethodGet, "/idpEnc/jwk.json", nil))
	require.Equal(env.t, http.StatusOK, rec.Code)
	key, err := jwk.ParseKey(rec.Body.Bytes())
	require.NoError(env.t, err)
	return key
}

func (env *testEnv) signChallenge(challenge string) string {
	headers := jws.NewHeaders()
	require.NoError(env.t, headers.Set(jws.ContentTypeKey, token.ContentTypeNestedJWT))
	chain := &cert.Chain{}
	require.NoError(env.t, chain.AddString(base64.StdEncoding.EncodeToString(env.cert.Raw)))
	require.NoError(env.t, headers.Set(jws.X509CertChainKey, chain))

	tok := jwt.New()
	require.NoError(env.t, tok.Set(token.ClaimNestedJWT, challenge))
	signed, err := token.Sign(tok, jwa.ES256, env.certPrK, headers)
	require.NoError(env.t, err)

	claims, err := token.PeekClaims(challenge)
	require.NoError(env.t, err)
	encrypted, err := token.EncryptNested(signed, jwa.ECDH_ES, env.encryptionKey(), claims.Expiration())
	require.NoError(env.t, err)
	return string(encrypted)
}

func (env *testEnv) keyVerifier(tokenKey []byte) string {
	payload, err := json.Marshal(map[string]string{
		"token_key":     base64.RawURLEncoding.EncodeToString(tokenKey),
		"code_verifier": testVerifier,
	})
	require.NoError(env.t, err)
	encrypted, err := token.Encrypt(payload, jwa.ECDH_ES, env.encryptionKey(), "", time.Time{})
	require.NoError(env.t, err)
	return string(encrypted)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm("/auth", url.Values{idpserver.ParamSignedChallenge: {env.signChallenge(env.challenge())}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, "1", location.Query().Get("tenant"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	assert.NotEmpty(t, location.Query().Get(idpserver.ParamSsoToken))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tokenKey := make([]byte, 32)
	_, err = rand.Read(tokenKey)
	require.NoError(t, err)
	form := url.Values{
		"grant_type":               {oauth2.GrantTypeAuthorizationCode},
		"code":                     {code},
		"client_id":                {"client-A"},
		"redirect_uri":             {testRedirectURI},
		idpserver.ParamKeyVerifier: {env.keyVerifier(tokenKey)},
	}
	rec = env.postForm("/token", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, oauth2.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, 300, resp.ExpiresIn)

	parser := &token.CompactParser{Decryption: &token.Decryption{Algorithm: jwa.DIRECT, Key: tokenKey}, Nested: true}
	access, err := parser.Parse(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://svc-x.example.com"}, access.Claims.Audience())
	assert.Equal(t, testIssuer, access.Claims.Issuer())
	assert.Equal(t, idp.PairwiseSubject("https://svc-x.example.com", "X123456789", "pepper"), access.Claims.Subject())

	form.Set(idpserver.ParamKeyVerifier, env.keyVerifier(tokenKey))
	rec = env.postForm("/token", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorCodeInvalidGrant, errorCode(t, rec))
}

func TestSsoFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm("/auth", url.Values{idpserver.ParamSignedChallenge: {env.signChallenge(env.challenge())}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	location, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	ssoToken := location.Query().Get(idpserver.ParamSsoToken)

	env.now = env.now.Add(time.Minute)
	rec = env.postForm("/auth/sso", url.Values{
		idpserver.ParamSsoToken:          {ssoToken},
		idpserver.ParamUnsignedChallenge: {env.challenge()},
	})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	location, err = url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Empty(t, location.Query().Get(idpserver.ParamSsoToken))
}

func TestRevokedCard(t *testing.T) {
	env := newTestEnv(t)
	env.responder.Revoke(env.cert)

	rec := env.postForm("/auth", url.Values{idpserver.ParamSignedChallenge: {env.signChallenge(env.challenge())}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, oauth2.ErrorCodeAccessDenied, errorCode(t, rec))
}

func TestExpiredCardByServerClock(t *testing.T) {
	env := newTestEnv(t)
	env.now = env.cert.NotAfter.Add(time.Hour).Truncate(time.Second)

	rec := env.postForm("/auth", url.Values{idpserver.ParamSignedChallenge: {env.signChallenge(env.challenge())}})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, oauth2.ErrorCodeAccessDenied, errorCode(t, rec))
}

func TestAuthorizationEndpointRejects(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/auth", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorCodeUnsupportedResponseType, errorCode(t, rec))

	rec = env.postForm("/auth", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorCodeInvalidRequest, errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postForm("/auth/alternative", url.Values{})
	assert.Equal(t, http.StatusNotFound, rec.Code, "alternative authentication is not configured")
}

func TestIssuerByHost(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Host = "tenant.example.com"
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var metadata idpserver.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
	assert.Equal(t, testTenantIssuer, metadata.Issuer)
	assert.Equal(t, testTenantIssuer+"/idpEnc/jwk.json", metadata.EncryptionKeyURI)
	assert.Equal(t, testTenantIssuer+"/idpSig/jwk.json", metadata.SigningKeyURI)
	assert.Equal(t, []string{"ES256"}, metadata.IdTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{idp.ScopeOpenID, "svc-x"}, metadata.ScopesSupported)
	assert.Empty(t, metadata.AlternativeAuthEndpoint)

	// a challenge of the default issuer is not accepted on the tenant host
	req = httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader(url.Values{
		idpserver.ParamSignedChallenge: {env.signChallenge(env.challenge())},
	}.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Host = "tenant.example.com"
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorCodeInvalidGrant, errorCode(t, rec))
}

func TestKeyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/jwks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	set, err := jwk.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	sig := env.do(httptest.NewRequest(http.MethodGet, "/idpSig/jwk.json", nil))
	key, err := jwk.ParseKey(sig.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "sig", key.KeyUsage())
	_, isPrivate := key.(jwk.ECDSAPrivateKey)
	assert.False(t, isPrivate)

	assert.Equal(t, "enc", env.encryptionKey().KeyUsage())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"oauth2 error", oauth2.NewError(oauth2.KindExpired, "too late"), http.StatusBadRequest, oauth2.ErrorCodeInvalidGrant},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), http.StatusMethodNotAllowed, oauth2.ErrorCodeServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, oauth2.ErrorCodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			handler := idpserver.ErrorHandlerMiddleware(func(c echo.Context) error { return tt.err })
			require.NoError(t, handler(c))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}
