package idp

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"slices"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/sync/errgroup"
)

const (
	maxAMREntries = 8
	maxAMRLength  = 40
	amrSmartCard  = "sc"
)

// RedeemAlternativeAuth authenticates a user by authentication data signed on a paired device.
func (e *Engine) RedeemAlternativeAuth(ctx context.Context, origin Origin, encryptedSignedAuthData string) (*AuthorizationResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if e.pairing == nil {
		return nil, oauth2.NewError(oauth2.KindServer, "alternative authentication is not configured")
	}

	receivedAt := e.receivedAt(origin)

	authData, err := e.altAuthPipeline.Process(ctx, encryptedSignedAuthData)
	if err != nil {
		return nil, err
	}

	amr, err := token.StringsClaim(authData.Claims, ClaimAMR, true)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid amr")
	}
	challengeToken, err := token.StringClaim(authData.Claims, ClaimChallengeToken, true)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid challenge_token")
	}
	encodedCert, err := token.StringClaim(authData.Claims, ClaimAuthCert, true)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "invalid auth_cert")
	}

	der, err := decodeCertificate(encodedCert)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindCertificate, err, "malformed auth_cert")
	}
	cert, err := e.certs.ParseCertificate(ctx, der)
	if err != nil {
		return nil, classify(err, oauth2.KindCertificate, "unable to parse certificate")
	}

	var (
		revocationErr    error
		pairingErr       error
		pairingChallenge string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		revocationErr = e.revocation.CheckRevocation(gctx, cert, receivedAt)
		return revocationErr
	})
	g.Go(func() error {
		pairingChallenge, pairingErr = e.pairing.VerifyAuthentication(gctx, string(authData.Signed))
		return pairingErr
	})
	if err := g.Wait(); err != nil {
		slog.Warn("alternative authentication failed", "revocation_error", revocationErr, "pairing_error", pairingErr)
		return nil, collapseAlternativeAuthErrors(revocationErr, pairingErr)
	}

	if subtle.ConstantTimeCompare([]byte(pairingChallenge), []byte(challengeToken)) != 1 {
		return nil, oauth2.NewError(oauth2.KindProtocolViolation, "challenge confirmed by pairing service differs from the signed one")
	}

	challenge, err := e.challengePipeline.Process(ctx, challengeToken)
	if err != nil {
		return nil, err
	}

	return e.issueAuthorization(ctx, snap, origin, &authentication{
		challenge:   challenge.Claims,
		authTime:    receivedAt,
		amr:         amr,
		cardClaims:  cert.Claims,
		certificate: der,
	})
}

func checkAMR(claims jwt.Token) error {
	amr, err := token.StringsClaim(claims, ClaimAMR, true)
	if err != nil {
		return err
	}
	if len(amr) == 0 || len(amr) > maxAMREntries {
		return oauth2.NewError(oauth2.KindContent, "amr must contain 1 to %d entries", maxAMREntries)
	}
	for _, method := range amr {
		if len(method) > maxAMRLength {
			return oauth2.NewError(oauth2.KindContent, "amr entry exceeds %d characters", maxAMRLength)
		}
	}
	if slices.Contains(amr, amrSmartCard) {
		return oauth2.NewError(oauth2.KindContent, "amr %s is not allowed for alternative authentication", amrSmartCard)
	}
	return nil
}

// collapseAlternativeAuthErrors reports one failure for the concurrent checks. A typed
// error wins over an untyped one; cancellations caused by the other task are ignored.
func collapseAlternativeAuthErrors(errs ...error) error {
	for _, err := range errs {
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if _, ok := oauth2.AsError(err); ok {
			return err
		}
	}
	for _, err := range errs {
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return classify(err, oauth2.KindAlternativeAuth, "alternative authentication failed")
	}
	return oauth2.WrapError(oauth2.KindAlternativeAuth, errors.Join(errs...), "alternative authentication failed")
}

func decodeCertificate(encoded string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		return der, nil
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}
