package idp

import (
	"context"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
)

// RedeemSso derives a new authorization code from a valid SSO token. The user is not
// authenticated again and auth_time stays the one of the original authentication.
func (e *Engine) RedeemSso(ctx context.Context, origin Origin, ssoToken, unsignedChallenge string) (*AuthorizationResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	challenge, err := e.challengePipeline.Process(ctx, unsignedChallenge)
	if err != nil {
		return nil, err
	}

	sso, err := e.ssoPipeline.Process(ctx, ssoToken)
	if err != nil {
		return nil, err
	}
	if err := checkIssuer(sso.Claims, e.issuer(origin, snap), "sso token"); err != nil {
		return nil, err
	}

	for _, name := range []string{ClaimClientID, ClaimRedirectURI} {
		fromSso, _ := token.StringClaim(sso.Claims, name, true)
		fromChallenge, _ := token.StringClaim(challenge.Claims, name, true)
		if fromSso != fromChallenge {
			return nil, oauth2.NewError(oauth2.KindMismatch, "%s of sso token does not match challenge", name)
		}
	}

	scope, _ := token.StringClaim(challenge.Claims, ClaimScope, true)
	resolved, err := snap.ResolveScope(scope)
	if err != nil {
		return nil, err
	}

	authTime, err := token.TimeClaim(sso.Claims, ClaimAuthTime, true)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid sso token")
	}
	if !e.clock.Now().Before(authTime.Add(resolved.Service.SsoWindow())) {
		return nil, oauth2.NewError(oauth2.KindExpired, "sso session of service %s has ended", resolved.Service.ID)
	}

	amr, err := token.StringsClaim(sso.Claims, ClaimAMR, false)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid sso token")
	}

	claims, err := tokenClaims(ctx, sso.Claims)
	if err != nil {
		return nil, err
	}

	return e.issueAuthorization(ctx, snap, origin, &authentication{
		challenge:  challenge.Claims,
		authTime:   authTime,
		amr:        amr,
		cardClaims: Project(claims, cardClaims),
	})
}
