// Package idp implements the authorization and token lifecycle of the identity provider:
// challenges, authorization codes, SSO tokens, and the final access and ID tokens.
package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/segmentio/ksuid"
)

const (
	TokenTypeChallenge = "challenge"
	TokenTypeCode      = "code"
	TokenTypeSso       = "sso"

	DefaultLeeway = 5 * time.Second
)

// Origin describes where a request came from. The zero value uses the configured
// issuer and the engine clock.
type Origin struct {
	// Issuer overrides the issuer of the configuration snapshot, e.g. per virtual host.
	Issuer     string
	ReceivedAt time.Time
}

type Option func(*Engine) error

type Engine struct {
	config     ConfigProvider
	clock      token.Clock
	leeway     time.Duration
	sigAlg     jwa.SignatureAlgorithm
	sigPrK     jwk.Key
	sigPuK     jwk.Key
	encPrK     jwk.Key
	codeKey    []byte
	certs      CertificateParser
	revocation RevocationChecker
	pairing    PairingVerifier
	newID      func() string

	challengePipeline       *token.Pipeline
	signedChallengePipeline *token.Pipeline
	altAuthPipeline         *token.Pipeline
	codePipeline            *token.Pipeline
	ssoPipeline             *token.Pipeline
	keyVerifierPipeline     *token.Pipeline
}

func WithClock(clock token.Clock) Option {
	return func(e *Engine) error {
		e.clock = clock
		return nil
	}
}

func WithLeeway(leeway time.Duration) Option {
	return func(e *Engine) error {
		e.leeway = leeway
		return nil
	}
}

// WithSigningKey sets the private key challenges and all issued tokens are signed with.
func WithSigningKey(key jwk.Key) Option {
	return func(e *Engine) error {
		alg, err := signatureAlgorithm(key)
		if err != nil {
			return err
		}
		puk, err := key.PublicKey()
		if err != nil {
			return fmt.Errorf("unable to derive public signing key: %w", err)
		}
		e.sigAlg = alg
		e.sigPrK = key
		e.sigPuK = puk
		return nil
	}
}

// WithEncryptionKey sets the private EC key clients encrypt to with ECDH-ES.
func WithEncryptionKey(key jwk.Key) Option {
	return func(e *Engine) error {
		if _, ok := key.(jwk.ECDSAPrivateKey); !ok {
			return fmt.Errorf("encryption key must be an EC private key, got %s", key.KeyType())
		}
		e.encPrK = key
		return nil
	}
}

// WithCodeKey sets the symmetric key encrypting authorization codes and SSO tokens.
func WithCodeKey(key []byte) Option {
	return func(e *Engine) error {
		if len(key) != 32 {
			return fmt.Errorf("code key must be 32 bytes, got %d", len(key))
		}
		e.codeKey = key
		return nil
	}
}

func WithCertificateParser(parser CertificateParser) Option {
	return func(e *Engine) error {
		e.certs = parser
		return nil
	}
}

func WithRevocationChecker(checker RevocationChecker) Option {
	return func(e *Engine) error {
		e.revocation = checker
		return nil
	}
}

func WithPairingVerifier(verifier PairingVerifier) Option {
	return func(e *Engine) error {
		e.pairing = verifier
		return nil
	}
}

func New(config ConfigProvider, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: config,
		clock:  token.SystemClock,
		leeway: DefaultLeeway,
		newID: func() string {
			return ksuid.New().String()
		},
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.sigPrK == nil {
		return nil, errors.New("signing key is required")
	}
	if e.encPrK == nil {
		return nil, errors.New("encryption key is required")
	}
	if e.codeKey == nil {
		return nil, errors.New("code key is required")
	}
	if e.certs == nil {
		return nil, errors.New("certificate parser is required")
	}
	if e.revocation == nil {
		return nil, errors.New("revocation checker is required")
	}

	e.buildPipelines()

	return e, nil
}

// SigningKey returns the public key verifying everything the engine signs.
func (e *Engine) SigningKey() jwk.Key {
	return e.sigPuK
}

func (e *Engine) EncryptionKey() (jwk.Key, error) {
	return e.encPrK.PublicKey()
}

func (e *Engine) SigningAlgorithm() jwa.SignatureAlgorithm {
	return e.sigAlg
}

// AlternativeAuthEnabled reports whether a pairing verifier is configured.
func (e *Engine) AlternativeAuthEnabled() bool {
	return e.pairing != nil
}

func (e *Engine) buildPipelines() {
	ecdh := &token.Decryption{Algorithm: jwa.ECDH_ES, Key: e.encPrK}
	direct := &token.Decryption{Algorithm: jwa.DIRECT, Key: e.codeKey}

	e.challengePipeline = &token.Pipeline{
		Kind:   "challenge",
		Parser: &token.CompactParser{},
		Validators: []token.Validator{
			token.ServerSignature(e.sigAlg, e.sigPuK),
			token.IssuedAt(e.clock, e.leeway),
			token.ClaimExpiry(e.clock),
			token.TokenType(TokenTypeChallenge),
			token.RequiredClaims(
				"iss", "jti", ClaimSnc, ClaimScope, ClaimCodeChallenge, ClaimCodeChallengeMethod,
				ClaimResponseType, ClaimRedirectURI, ClaimClientID, ClaimState,
			),
		},
	}

	e.signedChallengePipeline = &token.Pipeline{
		Kind: "signed_challenge",
		Parser: &token.CompactParser{
			Decryption: ecdh,
			Nested:     true,
			Auxiliary:  nestedChallengeExpiry(token.ClaimNestedJWT),
		},
		Validators: []token.Validator{
			token.EncryptionContentType(token.ContentTypeNestedJWT),
			token.EphemeralKeyCurve(jwa.P256),
			token.HeaderExpiry(e.clock),
			token.SignatureAlgorithm(jwa.ES256, jwa.PS256),
			token.SignatureContentType(token.ContentTypeNestedJWT),
			token.RequiredClaims(token.ClaimNestedJWT),
		},
	}

	e.altAuthPipeline = &token.Pipeline{
		Kind: "encrypted_signed_authentication_data",
		Parser: &token.CompactParser{
			Decryption: ecdh,
			Nested:     true,
			Auxiliary:  nestedChallengeExpiry(ClaimChallengeToken),
		},
		Validators: []token.Validator{
			token.RequireEncrypted(),
			token.EphemeralKeyCurve(jwa.P256),
			token.HeaderExpiry(e.clock),
			token.SignatureAlgorithm(jwa.ES256, jwa.PS256),
			token.RequiredClaims(ClaimChallengeToken, ClaimAuthCert, ClaimKeyID, ClaimAMR, ClaimAuthDataVersion),
			token.Content(checkAMR),
		},
	}

	serverTokenValidators := func(tokenType string, required ...string) []token.Validator {
		return []token.Validator{
			token.RequireEncrypted(),
			token.EncryptionContentType(token.ContentTypeNestedJWT),
			token.HeaderExpiry(e.clock),
			token.ServerSignature(e.sigAlg, e.sigPuK),
			token.IssuedAt(e.clock, e.leeway),
			token.ClaimExpiry(e.clock),
			token.TokenType(tokenType),
			token.RequiredClaims(required...),
		}
	}

	e.codePipeline = &token.Pipeline{
		Kind:   "code",
		Parser: &token.CompactParser{Decryption: direct, Nested: true},
		Validators: serverTokenValidators(TokenTypeCode,
			"iss", "jti", "sub", ClaimAuthTime, ClaimClientID, ClaimRedirectURI, ClaimScope,
			ClaimCodeChallenge, ClaimCodeChallengeMethod,
		),
	}

	e.ssoPipeline = &token.Pipeline{
		Kind:   "sso_token",
		Parser: &token.CompactParser{Decryption: direct, Nested: true},
		Validators: serverTokenValidators(TokenTypeSso,
			"iss", "jti", ClaimAuthTime, ClaimClientID, ClaimRedirectURI, ClaimAuthCert, ClaimIDNumber,
		),
	}

	e.keyVerifierPipeline = &token.Pipeline{
		Kind:   "key_verifier",
		Parser: &token.CompactParser{Decryption: ecdh},
		Validators: []token.Validator{
			token.RequireEncrypted(),
			token.EphemeralKeyCurve(jwa.P256),
		},
	}
}

// nestedChallengeExpiry lets the expiry of the embedded challenge govern the whole envelope.
func nestedChallengeExpiry(claim string) func(tok *token.Token) error {
	return func(tok *token.Token) error {
		raw, err := token.StringClaim(tok.Claims, claim, true)
		if err != nil {
			return oauth2.WrapError(oauth2.KindContent, err, "missing challenge")
		}
		challenge, err := token.PeekClaims(raw)
		if err != nil {
			return err
		}
		tok.Expiry = challenge.Expiration()
		return nil
	}
}

func (e *Engine) snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := e.config.Snapshot(ctx)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "configuration unavailable")
	}
	return snap, nil
}

func (e *Engine) issuer(origin Origin, snap *Snapshot) string {
	if origin.Issuer != "" {
		return origin.Issuer
	}
	return snap.Issuer
}

func (e *Engine) receivedAt(origin Origin) time.Time {
	if origin.ReceivedAt.IsZero() {
		return e.clock.Now()
	}
	return origin.ReceivedAt
}

func signatureAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case jwk.ECDSAPrivateKey:
		if k.Crv() != jwa.P256 {
			return "", fmt.Errorf("unsupported signing curve: %s", k.Crv())
		}
		return jwa.ES256, nil
	case jwk.RSAPrivateKey:
		return jwa.PS256, nil
	default:
		return "", fmt.Errorf("unsupported signing key type: %s", key.KeyType())
	}
}
