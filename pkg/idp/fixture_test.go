package idp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer      = "https://idp.example.com"
	testClientID    = "client-A"
	testRedirectURI = "https://app/cb"
	testState       = "stateXYZ"
	testSalt        = "pepper"
	testIDNumber    = "X123456789"
)

type stubCertificateParser struct {
	claims map[string]interface{}
}

func (p *stubCertificateParser) ParseCertificate(ctx context.Context, der []byte) (*Certificate, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateInvalid, err)
	}
	claims := make(map[string]interface{}, len(p.claims))
	for k, v := range p.claims {
		claims[k] = v
	}
	return &Certificate{Raw: der, X509: crt, Claims: claims}, nil
}

type revocationFunc func(ctx context.Context, cert *Certificate, at time.Time) error

func (f revocationFunc) CheckRevocation(ctx context.Context, cert *Certificate, at time.Time) error {
	return f(ctx, cert, at)
}

type pairingFunc func(ctx context.Context, signedAuthData string) (string, error)

func (f pairingFunc) VerifyAuthentication(ctx context.Context, signedAuthData string) (string, error) {
	return f(ctx, signedAuthData)
}

type fixture struct {
	t       *testing.T
	now     time.Time
	engine  *Engine
	codeKey []byte
	encPuK  jwk.Key
	cert    *x509.Certificate
	certPrK *ecdsa.PrivateKey

	revocation revocationFunc
	pairing    pairingFunc

	mu   sync.Mutex
	keys []*SecretKey
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Issuer:      testIssuer,
		SubjectSalt: testSalt,
		Clients: map[string]Client{
			testClientID: {ID: testClientID, RedirectURIs: []string{testRedirectURI}, SsoEnabled: true},
			"client-B":   {ID: "client-B", RedirectURIs: []string{"https://b/cb"}},
		},
		Scopes: map[string]Scope{
			ScopeOpenID: {ID: ScopeOpenID, Description: "Zugriff auf den ID-Token"},
			"svc-x": {
				ID:          "svc-x",
				Description: "Zugriff auf Service X",
				Claims:      []string{ClaimIDNumber, ClaimGivenName, ClaimFamilyName},
				ServiceID:   "svc-x",
			},
			"svc-y": {
				ID:          "svc-y",
				Description: "Zugriff auf Service Y",
				Claims:      []string{ClaimIDNumber},
				ServiceID:   "svc-y",
			},
			"profile": {ID: "profile", Claims: []string{ClaimGivenName}},
		},
		Services: map[string]Service{
			"svc-x": {
				ID:               "svc-x",
				Audience:         "https://svc-x.example.com",
				SectorIdentifier: "https://svc-x.example.com",
				SsoTimeout:       12 * time.Hour,
			},
			"svc-y": {
				ID:                 "svc-y",
				Audience:           "https://svc-y.example.com",
				SectorIdentifier:   "https://svc-y.example.com",
				AccessTokenTimeout: 60 * time.Second,
			},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:   t,
		now: time.Unix(1700000000, 0),
	}
	f.revocation = func(ctx context.Context, cert *Certificate, at time.Time) error { return nil }
	f.pairing = func(ctx context.Context, signedAuthData string) (string, error) {
		claims, err := token.PeekClaims(signedAuthData)
		if err != nil {
			return "", err
		}
		return token.StringClaim(claims, ClaimChallengeToken, true)
	}

	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)
	f.cert, f.certPrK, err = testCA.IssueCertificate(ca.PersonSubject("Erika", "Mustermann", testIDNumber))
	require.NoError(t, err)

	sigPrK, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sigKey, err := jwk.FromRaw(sigPrK)
	require.NoError(t, err)
	encPrK, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	encKey, err := jwk.FromRaw(encPrK)
	require.NoError(t, err)
	f.codeKey = randomKey(t)

	f.engine, err = New(
		NewStaticConfig(testSnapshot()),
		WithClock(token.ClockFunc(func() time.Time { return f.now })),
		WithSigningKey(sigKey),
		WithEncryptionKey(encKey),
		WithCodeKey(f.codeKey),
		WithCertificateParser(&stubCertificateParser{claims: map[string]interface{}{
			ClaimGivenName:     "Erika",
			ClaimFamilyName:    "Mustermann",
			ClaimProfessionOID: ca.ProfessionOIDInsured,
			ClaimIDNumber:      testIDNumber,
		}}),
		WithRevocationChecker(revocationFunc(func(ctx context.Context, cert *Certificate, at time.Time) error {
			return f.revocation(ctx, cert, at)
		})),
		WithPairingVerifier(pairingFunc(func(ctx context.Context, signedAuthData string) (string, error) {
			return f.pairing(ctx, signedAuthData)
		})),
	)
	require.NoError(t, err)
	observeKeyBuffers(t, func(k *SecretKey) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.keys = append(f.keys, k)
	})

	f.encPuK, err = f.engine.EncryptionKey()
	require.NoError(t, err)

	return f
}

func randomKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func challengeRequest(scope string) ChallengeRequest {
	return ChallengeRequest{
		ResponseType:        oauth2.ResponseTypeCode,
		ClientID:            testClientID,
		State:               testState,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: string(oauth2.CodeChallengeMethodS256),
	}
}

// verifier of the code challenge above, RFC 7636 appendix B
const testCodeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func (f *fixture) issueChallenge(scope string) string {
	result, err := f.engine.IssueChallenge(context.Background(), Origin{}, challengeRequest(scope))
	require.NoError(f.t, err)
	return result.Challenge
}

// signChallenge plays the card terminal: signs the challenge with the card key and
// encrypts it to the server.
func (f *fixture) signChallenge(challenge string, signer *ecdsa.PrivateKey) string {
	headers := jws.NewHeaders()
	require.NoError(f.t, headers.Set(jws.ContentTypeKey, token.ContentTypeNestedJWT))
	chain := &cert.Chain{}
	require.NoError(f.t, chain.AddString(base64.StdEncoding.EncodeToString(f.cert.Raw)))
	require.NoError(f.t, headers.Set(jws.X509CertChainKey, chain))

	tok := jwt.New()
	require.NoError(f.t, tok.Set(token.ClaimNestedJWT, challenge))
	signed, err := token.Sign(tok, jwa.ES256, signer, headers)
	require.NoError(f.t, err)

	challengeClaims, err := token.PeekClaims(challenge)
	require.NoError(f.t, err)
	encrypted, err := token.EncryptNested(signed, jwa.ECDH_ES, f.encPuK, challengeClaims.Expiration())
	require.NoError(f.t, err)
	return string(encrypted)
}

// authData plays the paired device.
func (f *fixture) authData(challenge string, amr []string) string {
	devicePrK, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(f.t, err)

	tok := jwt.New()
	for k, v := range map[string]interface{}{
		ClaimChallengeToken:    challenge,
		ClaimAuthCert:          base64.StdEncoding.EncodeToString(f.cert.Raw),
		ClaimKeyID:             "device-key-1",
		ClaimAMR:               amr,
		ClaimAuthDataVersion:   "1.0",
		ClaimDeviceInformation: map[string]interface{}{"name": "Pixel", "manufacturer": "Google"},
	} {
		require.NoError(f.t, tok.Set(k, v))
	}
	signed, err := token.Sign(tok, jwa.ES256, devicePrK, nil)
	require.NoError(f.t, err)

	encrypted, err := token.EncryptNested(signed, jwa.ECDH_ES, f.encPuK, time.Time{})
	require.NoError(f.t, err)
	return string(encrypted)
}

func (f *fixture) keyVerifier(key []byte, verifier string) string {
	payload, err := json.Marshal(map[string]string{
		ClaimTokenKey:     base64.RawURLEncoding.EncodeToString(key),
		ClaimCodeVerifier: verifier,
	})
	require.NoError(f.t, err)
	encrypted, err := token.Encrypt(payload, jwa.ECDH_ES, f.encPuK, "", time.Time{})
	require.NoError(f.t, err)
	return string(encrypted)
}

// openServerToken decrypts a code or SSO token with the code key.
func (f *fixture) openServerToken(raw string) jwt.Token {
	return openNested(f.t, raw, f.codeKey)
}

func openNested(t *testing.T, raw string, key []byte) jwt.Token {
	parser := &token.CompactParser{
		Decryption: &token.Decryption{Algorithm: jwa.DIRECT, Key: key},
		Nested:     true,
	}
	tok, err := parser.Parse(context.Background(), raw)
	require.NoError(t, err)
	return tok.Claims
}

func (f *fixture) observedKeys() []*SecretKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*SecretKey(nil), f.keys...)
}
