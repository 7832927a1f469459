package idp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type TokenRequest struct {
	Code        string
	KeyVerifier string
	ClientID    string
	GrantType   string
	RedirectURI string
}

type TokenResult struct {
	Response oauth2.TokenResponse
	// CodeID and CodeExpiresAt let the caller enforce single use of the code.
	CodeID        string
	CodeExpiresAt time.Time
}

// RedeemToken exchanges an authorization code for access and ID token, both encrypted
// with the key the client sent in the key verifier.
func (e *Engine) RedeemToken(ctx context.Context, origin Origin, req TokenRequest) (*TokenResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	kvToken, err := e.keyVerifierPipeline.Process(ctx, req.KeyVerifier)
	if err != nil {
		return nil, err
	}
	kv, err := decodeKeyVerifier(kvToken)
	if err != nil {
		return nil, err
	}
	defer kv.Key.Destroy()

	code, err := e.codePipeline.Process(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if err := checkIssuer(code.Claims, e.issuer(origin, snap), "code"); err != nil {
		return nil, err
	}

	if req.GrantType != oauth2.GrantTypeAuthorizationCode {
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "unsupported grant_type: %s", req.GrantType).
			WithCode(oauth2.ErrorCodeUnsupportedGrantType)
	}

	codeChallenge, _ := token.StringClaim(code.Claims, ClaimCodeChallenge, true)
	if !oauth2.VerifyS256(kv.CodeVerifier, codeChallenge) {
		return nil, oauth2.NewError(oauth2.KindPKCE, "code_verifier does not match code_challenge")
	}

	clientID, _ := token.StringClaim(code.Claims, ClaimClientID, true)
	if req.ClientID != clientID {
		return nil, oauth2.NewError(oauth2.KindMismatch, "client_id does not match code")
	}
	if _, err := snap.Client(clientID); err != nil {
		return nil, err
	}

	redirectURI, _ := token.StringClaim(code.Claims, ClaimRedirectURI, true)
	if req.RedirectURI != redirectURI {
		return nil, oauth2.NewError(oauth2.KindMismatch, "redirect_uri does not match code")
	}

	scope, _ := token.StringClaim(code.Claims, ClaimScope, true)
	resolved, err := snap.ResolveScope(scope)
	if err != nil {
		return nil, err
	}

	codeClaims, err := tokenClaims(ctx, code.Claims)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	timeouts := snap.Timeouts.Clamped()
	issuer := e.issuer(origin, snap)
	subject := code.Claims.Subject()
	accessTimeout := resolved.Service.accessTokenTimeout(timeouts.AccessToken)
	idTimeout := resolved.Service.idTokenTimeout(timeouts.IDToken)

	accessClaims := Project(codeClaims, codeToAccessToken)
	setStandardClaims(accessClaims, issuer, subject, resolved.Service.Audience, clientID, now, accessTimeout, e.newID())
	accessSigned, err := e.signClaims(accessClaims)
	if err != nil {
		return nil, err
	}

	idClaims := Project(codeClaims, codeToIDToken)
	setStandardClaims(idClaims, issuer, subject, clientID, clientID, now, idTimeout, e.newID())
	idClaims[ClaimAtHash] = accessTokenHash(accessSigned)
	idSigned, err := e.signClaims(idClaims)
	if err != nil {
		return nil, err
	}

	accessToken, err := token.EncryptNested(accessSigned, jwa.DIRECT, kv.Key.Bytes(), now.Add(accessTimeout))
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "unable to encrypt access token")
	}
	idToken, err := token.EncryptNested(idSigned, jwa.DIRECT, kv.Key.Bytes(), now.Add(idTimeout))
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "unable to encrypt id token")
	}

	return &TokenResult{
		Response: oauth2.TokenResponse{
			AccessToken: string(accessToken),
			TokenType:   oauth2.TokenTypeBearer,
			ExpiresIn:   int(accessTimeout.Seconds()),
			IDToken:     string(idToken),
		},
		CodeID:        code.Claims.JwtID(),
		CodeExpiresAt: code.Claims.Expiration(),
	}, nil
}

func setStandardClaims(claims map[string]interface{}, issuer, subject, audience, azp string, now time.Time, lifetime time.Duration, jti string) {
	claims["iss"] = issuer
	claims["sub"] = subject
	claims["aud"] = audience
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(lifetime).Unix()
	claims["jti"] = jti
	claims[ClaimAzp] = azp
}

func (e *Engine) signClaims(claims map[string]interface{}) ([]byte, error) {
	tok := jwt.New()
	if err := setClaims(tok, claims); err != nil {
		return nil, err
	}
	signed, err := token.Sign(tok, e.sigAlg, e.sigPrK, nil)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "unable to sign token")
	}
	return signed, nil
}

// accessTokenHash is the OpenID Connect at_hash of the signed access token.
func accessTokenHash(accessToken []byte) string {
	sum := sha256.Sum256(accessToken)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
