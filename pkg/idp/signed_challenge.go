package idp

import (
	"context"
	"encoding/base64"
	"slices"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// RedeemSignedChallenge authenticates a card holder by a challenge signed with the card's key.
func (e *Engine) RedeemSignedChallenge(ctx context.Context, origin Origin, signedChallenge string) (*AuthorizationResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	wrapper, err := e.signedChallengePipeline.Process(ctx, signedChallenge)
	if err != nil {
		return nil, err
	}

	chain := wrapper.SignatureHeaders.X509CertChain()
	if chain == nil || chain.Len() != 1 {
		return nil, oauth2.NewError(oauth2.KindContent, "x5c header must contain exactly one certificate")
	}
	encodedCert, _ := chain.Get(0)

	rawChallenge, err := token.StringClaim(wrapper.Claims, token.ClaimNestedJWT, true)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "missing challenge")
	}
	challenge, err := e.challengePipeline.Process(ctx, rawChallenge)
	if err != nil {
		return nil, err
	}

	der, err := base64.StdEncoding.DecodeString(string(encodedCert))
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindCertificate, err, "malformed certificate in x5c header")
	}
	cert, err := e.certs.ParseCertificate(ctx, der)
	if err != nil {
		return nil, classify(err, oauth2.KindCertificate, "unable to parse certificate")
	}

	alg := wrapper.SignatureHeaders.Algorithm()
	if _, err := jws.Verify(wrapper.Signed, jws.WithKey(alg, cert.X509.PublicKey)); err != nil {
		return nil, oauth2.WrapError(oauth2.KindSignature, err, "challenge signature does not match certificate")
	}

	now := e.clock.Now()
	if err := e.revocation.CheckRevocation(ctx, cert, now); err != nil {
		return nil, classify(err, oauth2.KindCertificate, "revocation check failed")
	}

	return e.issueAuthorization(ctx, snap, origin, &authentication{
		challenge:   challenge.Claims,
		authTime:    now,
		amr:         slices.Clone(defaultAMR),
		cardClaims:  cert.Claims,
		certificate: der,
	})
}
