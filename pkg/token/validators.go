package token

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Validator checks one aspect of a parsed token.
type Validator func(ctx context.Context, tok *Token) error

// HeaderExpiry requires Token.Expiry to be set and to lie strictly after now.
func HeaderExpiry(clock Clock) Validator {
	return func(ctx context.Context, tok *Token) error {
		return checkExpiry(clock, tok.Expiry, "header")
	}
}

// ClaimExpiry requires the exp claim to be set and to lie strictly after now.
func ClaimExpiry(clock Clock) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.Claims == nil {
			return oauth2.NewError(oauth2.KindContent, "token has no claims")
		}
		return checkExpiry(clock, tok.Claims.Expiration(), "claim")
	}
}

func checkExpiry(clock Clock, exp time.Time, source string) error {
	if exp.IsZero() {
		return oauth2.NewError(oauth2.KindContent, "missing %s exp", source)
	}
	now := clock.Now()
	if !now.Before(exp) {
		return oauth2.NewError(oauth2.KindExpired, "token expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// IssuedAt requires iat to be present and not later than now plus leeway.
func IssuedAt(clock Clock, leeway time.Duration) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.Claims == nil {
			return oauth2.NewError(oauth2.KindContent, "token has no claims")
		}
		iat := tok.Claims.IssuedAt()
		if iat.IsZero() {
			return oauth2.NewError(oauth2.KindContent, "claim iat is required")
		}
		if iat.After(clock.Now().Add(leeway)) {
			return oauth2.NewError(oauth2.KindContent, "token issued in the future")
		}
		return nil
	}
}

// ServerSignature verifies the signed token with one of the server's own keys.
func ServerSignature(alg jwa.SignatureAlgorithm, key interface{}) Validator {
	return func(ctx context.Context, tok *Token) error {
		if len(tok.Signed) == 0 || tok.SignatureHeaders == nil {
			return oauth2.NewError(oauth2.KindSignature, "signature is missing")
		}
		if tok.SignatureHeaders.Algorithm() != alg {
			return oauth2.NewError(oauth2.KindAlgorithm, "unexpected signature algorithm: %s", tok.SignatureHeaders.Algorithm())
		}
		if _, err := jws.Verify(tok.Signed, jws.WithKey(alg, key)); err != nil {
			return oauth2.WrapError(oauth2.KindSignature, err, "invalid signature")
		}
		return nil
	}
}

// SignatureAlgorithm restricts the algorithm declared in the JWS header.
func SignatureAlgorithm(allowed ...jwa.SignatureAlgorithm) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.SignatureHeaders == nil {
			return oauth2.NewError(oauth2.KindSignature, "signature is missing")
		}
		if !slices.Contains(allowed, tok.SignatureHeaders.Algorithm()) {
			return oauth2.NewError(oauth2.KindAlgorithm, "unsupported signature algorithm: %s", tok.SignatureHeaders.Algorithm())
		}
		return nil
	}
}

// SignatureContentType requires the cty header of the JWS.
func SignatureContentType(cty string) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.SignatureHeaders == nil || tok.SignatureHeaders.ContentType() != cty {
			return oauth2.NewError(oauth2.KindContent, "expected content type %s", cty)
		}
		return nil
	}
}

// EncryptionContentType requires the cty header of the JWE. Plain tokens pass.
func EncryptionContentType(cty string) Validator {
	return func(ctx context.Context, tok *Token) error {
		if !tok.Encrypted {
			return nil
		}
		if tok.EncryptionHeaders.ContentType() != cty {
			return oauth2.NewError(oauth2.KindContent, "expected content type %s", cty)
		}
		return nil
	}
}

func RequireEncrypted() Validator {
	return func(ctx context.Context, tok *Token) error {
		if !tok.Encrypted {
			return oauth2.NewError(oauth2.KindContent, "token must be encrypted")
		}
		return nil
	}
}

// EphemeralKeyCurve requires the epk header of an ECDH-ES encrypted token to use an approved curve.
// Plain tokens pass, combine with RequireEncrypted where encryption is mandatory.
func EphemeralKeyCurve(curves ...jwa.EllipticCurveAlgorithm) Validator {
	return func(ctx context.Context, tok *Token) error {
		if !tok.Encrypted {
			return nil
		}
		epk := tok.EncryptionHeaders.EphemeralPublicKey()
		if epk == nil {
			return oauth2.NewError(oauth2.KindAlgorithm, "ephemeral public key is missing")
		}
		ecKey, ok := epk.(jwk.ECDSAPublicKey)
		if !ok {
			return oauth2.NewError(oauth2.KindAlgorithm, "ephemeral public key is not an EC key")
		}
		if !slices.Contains(curves, ecKey.Crv()) {
			return oauth2.NewError(oauth2.KindAlgorithm, "unsupported ephemeral key curve: %s", ecKey.Crv())
		}
		return nil
	}
}

// TokenType requires the token_type claim.
func TokenType(tokenType string) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.Claims == nil {
			return oauth2.NewError(oauth2.KindContent, "token has no claims")
		}
		value, err := StringClaim(tok.Claims, ClaimTokenType, true)
		if err != nil {
			return oauth2.WrapError(oauth2.KindContent, err, "invalid token type")
		}
		if value != tokenType {
			return oauth2.NewError(oauth2.KindContent, "unexpected token type: %s", value)
		}
		return nil
	}
}

// RequiredClaims requires every named claim to be present and non-empty.
func RequiredClaims(names ...string) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.Claims == nil {
			return oauth2.NewError(oauth2.KindContent, "token has no claims")
		}
		for _, name := range names {
			v, ok := tok.Claims.Get(name)
			if !ok || isEmpty(v) {
				return oauth2.NewError(oauth2.KindContent, "claim %s is required", name)
			}
		}
		return nil
	}
}

func isEmpty(v interface{}) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []interface{}:
		return len(c) == 0
	case []string:
		return len(c) == 0
	case time.Time:
		return c.IsZero()
	default:
		return fmt.Sprint(c) == ""
	}
}

// Content runs check against the claims of the signed token.
func Content(check func(claims jwt.Token) error) Validator {
	return func(ctx context.Context, tok *Token) error {
		if tok.Claims == nil {
			return oauth2.NewError(oauth2.KindContent, "token has no claims")
		}
		if err := check(tok.Claims); err != nil {
			if _, ok := oauth2.AsError(err); ok {
				return err
			}
			return oauth2.WrapError(oauth2.KindContent, err, "invalid token content")
		}
		return nil
	}
}
