package idp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// AuthorizationResult is returned by every authentication path. The transport
// redirects to RedirectURI with code, state and, if present, the SSO token.
type AuthorizationResult struct {
	Code          string
	SsoToken      string
	RedirectURI   string
	State         string
	CodeExpiresAt time.Time
}

// authentication is an established identity, bound to a validated challenge.
type authentication struct {
	challenge jwt.Token
	authTime  time.Time
	amr       []string
	// identity claims of the card, not yet filtered by scope
	cardClaims map[string]interface{}
	// DER of the authenticating certificate, nil when redeeming an SSO token
	certificate []byte
}

var defaultAMR = []string{"mfa", "sc", "pin"}

func (e *Engine) issueAuthorization(ctx context.Context, snap *Snapshot, origin Origin, authn *authentication) (*AuthorizationResult, error) {
	issuer := e.issuer(origin, snap)
	if err := checkIssuer(authn.challenge, issuer, "challenge"); err != nil {
		return nil, err
	}

	params, err := challengeParams(authn.challenge)
	if err != nil {
		return nil, err
	}

	client, err := snap.Client(params.clientID)
	if err != nil {
		return nil, err
	}
	if !client.HasRedirectURI(params.redirectURI) {
		return nil, oauth2.NewError(oauth2.KindMismatch, "redirect_uri is not registered for client %s", client.ID)
	}

	resolved, err := snap.ResolveScope(params.scope)
	if err != nil {
		return nil, err
	}

	idNumber, _ := authn.cardClaims[ClaimIDNumber].(string)
	if idNumber == "" {
		return nil, oauth2.NewError(oauth2.KindCertificate, "certificate carries no id number")
	}

	now := e.clock.Now()
	timeouts := snap.Timeouts.Clamped()
	codeExp := now.Add(timeouts.Code)

	codeClaims := Project(authn.cardClaims, intersect(cardClaims, resolved.Claims))
	for k, v := range map[string]interface{}{
		"iss":                    issuer,
		"iat":                    now.Unix(),
		"exp":                    codeExp.Unix(),
		"jti":                    e.newID(),
		"sub":                    PairwiseSubject(resolved.Service.SectorIdentifier, idNumber, snap.SubjectSalt),
		token.ClaimTokenType:     TokenTypeCode,
		ClaimAuthTime:            authn.authTime.Unix(),
		ClaimSnc:                 params.snc,
		ClaimClientID:            params.clientID,
		ClaimRedirectURI:         params.redirectURI,
		ClaimScope:               params.scope,
		ClaimCodeChallenge:       params.codeChallenge,
		ClaimCodeChallengeMethod: params.codeChallengeMethod,
		ClaimState:               params.state,
		ClaimAMR:                 authn.amr,
		ClaimACR:                 ACRHigh,
	} {
		codeClaims[k] = v
	}
	if params.nonce != "" {
		codeClaims[ClaimNonce] = params.nonce
	}

	code, err := e.sealServerToken(codeClaims, codeExp)
	if err != nil {
		return nil, err
	}

	result := &AuthorizationResult{
		Code:          code,
		RedirectURI:   params.redirectURI,
		State:         params.state,
		CodeExpiresAt: codeExp,
	}

	if client.SsoEnabled && authn.certificate != nil {
		ssoExp := now.Add(resolved.Service.ssoTokenTimeout(timeouts.Sso))
		ssoClaims := Project(authn.cardClaims, cardClaims)
		for k, v := range map[string]interface{}{
			"iss":                issuer,
			"iat":                now.Unix(),
			"exp":                ssoExp.Unix(),
			"jti":                e.newID(),
			token.ClaimTokenType: TokenTypeSso,
			ClaimAuthTime:        authn.authTime.Unix(),
			ClaimClientID:        params.clientID,
			ClaimRedirectURI:     params.redirectURI,
			ClaimAuthCert:        base64.StdEncoding.EncodeToString(authn.certificate),
			ClaimAMR:             authn.amr,
			ClaimACR:             ACRHigh,
		} {
			ssoClaims[k] = v
		}
		result.SsoToken, err = e.sealServerToken(ssoClaims, ssoExp)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("issued authorization code", "client_id", params.clientID, "scope", params.scope, "sso", result.SsoToken != "")

	return result, nil
}

// sealServerToken signs claims with the server key and encrypts them with the code key.
func (e *Engine) sealServerToken(claims map[string]interface{}, exp time.Time) (string, error) {
	tok := jwt.New()
	if err := setClaims(tok, claims); err != nil {
		return "", err
	}
	signed, err := token.Sign(tok, e.sigAlg, e.sigPrK, nil)
	if err != nil {
		return "", oauth2.WrapError(oauth2.KindServer, err, "unable to sign token")
	}
	encrypted, err := token.EncryptNested(signed, jwa.DIRECT, e.codeKey, exp)
	if err != nil {
		return "", oauth2.WrapError(oauth2.KindServer, err, "unable to encrypt token")
	}
	return string(encrypted), nil
}

type authorizationParams struct {
	snc                 string
	scope               string
	clientID            string
	redirectURI         string
	state               string
	nonce               string
	codeChallenge       string
	codeChallengeMethod string
}

func challengeParams(challenge jwt.Token) (*authorizationParams, error) {
	p := new(authorizationParams)
	fields := []struct {
		name     string
		target   *string
		required bool
	}{
		{ClaimSnc, &p.snc, true},
		{ClaimScope, &p.scope, true},
		{ClaimClientID, &p.clientID, true},
		{ClaimRedirectURI, &p.redirectURI, true},
		{ClaimState, &p.state, true},
		{ClaimNonce, &p.nonce, false},
		{ClaimCodeChallenge, &p.codeChallenge, true},
		{ClaimCodeChallengeMethod, &p.codeChallengeMethod, true},
	}
	for _, f := range fields {
		v, err := token.StringClaim(challenge, f.name, f.required)
		if err != nil {
			return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid challenge")
		}
		*f.target = v
	}
	return p, nil
}

func checkIssuer(tok jwt.Token, issuer, kind string) error {
	if tok.Issuer() != issuer {
		return oauth2.NewError(oauth2.KindMismatch, "%s was issued by %s", kind, tok.Issuer())
	}
	return nil
}

func tokenClaims(ctx context.Context, tok jwt.Token) (map[string]interface{}, error) {
	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "unable to read claims")
	}
	return claims, nil
}
